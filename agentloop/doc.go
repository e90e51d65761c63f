// Package agentloop drives the conversation between a user, a language
// model and a set of tools.
//
// The loop calls the model through the unifiedllm package's Client.Complete
// method and runs its own iteration loop so that tool execution, context
// pruning, persistence, events and loop detection interleave with model
// calls.
//
// # Architecture
//
//   - Session: holds the append-only history, issues model requests and
//     enforces the iteration cap.
//   - Prepare: builds the pruned view of history sent to the model. Tool
//     output from all but the last K tool call groups is replaced.
//   - ToolExecutor: turns a batch of tool call requests into tool messages
//     sharing one group id.
//   - ToolRegistry: name-keyed tool descriptors with enable/disable and
//     configuration overrides.
//   - EventEmitter: typed event stream for the host application.
//
// # Quick Start
//
//	registry := agentloop.NewToolRegistry()
//	tools.RegisterBuiltins(registry, env, todoPath)
//	session := agentloop.NewSession(client, registry,
//	    agentloop.WithWorkspace(env),
//	    agentloop.WithRecorder(ckpt),
//	)
//	defer session.Close()
//
//	if err := session.Init(ctx); err != nil {
//	    return err
//	}
//	if err := session.Receive(ctx, "Create a hello.py file"); err != nil {
//	    return err
//	}
//	reason, err := session.Complete(ctx)
package agentloop
