package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/martinemde/drowcoder/agentloop"
	"github.com/martinemde/drowcoder/checkpoint"
	"github.com/martinemde/drowcoder/config"
	"github.com/martinemde/drowcoder/logging"
	"github.com/martinemde/drowcoder/observability"
	"github.com/martinemde/drowcoder/render"
	"github.com/martinemde/drowcoder/tools"
	"github.com/martinemde/drowcoder/unifiedllm"
)

// runAgent wires config, checkpoint, logging, tools, backend and session,
// then drives headless or interactive turns.
func runAgent(cmd *cobra.Command, opts *Options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}

	style, err := render.ParseStyle(cfg.Render.Style)
	if err != nil {
		return err
	}
	model, err := cfg.SelectModel(opts.Model)
	if err != nil {
		return err
	}

	env, err := tools.NewEnvironment(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}

	ckpt, err := openCheckpoint(cfg, opts)
	if err != nil {
		return err
	}
	defer ckpt.Close()

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, ckpt)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort

	provider, modelID := model.ProviderAndModel()
	sessionCfg := sessionConfig(cfg, model, env)
	if err := ckpt.PunchConfig(map[string]any{
		"model":      modelID,
		"provider":   provider,
		"workspace":  env.WorkingDirectory(),
		"style":      string(style),
		"session":    sessionCfg,
		"checkpoint": ckpt.Dir(),
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := agentloop.NewToolRegistry()
	if err := tools.RegisterBuiltins(registry, env, ckpt.Path(checkpoint.TodosFile)); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}
	mcpTools, err := tools.ConnectMCP(ctx, registry, mcpServers(cfg, env), logger.Named("mcp"))
	if err != nil {
		return fmt.Errorf("connect mcp servers: %w", err)
	}
	defer func() {
		if err := mcpTools.Close(); err != nil {
			logger.Warn("closing mcp servers", zap.Error(err))
		}
	}()
	if err := applyToolOverrides(registry, cfg); err != nil {
		return err
	}

	backend, err := opts.newBackend(model, logger)
	if err != nil {
		return fmt.Errorf("create model backend: %w", err)
	}
	if c, ok := backend.(io.Closer); ok {
		defer c.Close()
	}

	metrics := observability.NewMetrics()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	session := agentloop.NewSession(backend, registry,
		agentloop.WithSessionConfig(sessionCfg),
		agentloop.WithWorkspace(env),
		agentloop.WithRecorder(ckpt),
		agentloop.WithRenderer(render.New(cmd.OutOrStdout(), style)),
		agentloop.WithSessionLogger(logger),
		agentloop.WithSessionMetrics(metrics),
		agentloop.WithInput(cmd.InOrStdin(), cmd.OutOrStdout()),
	)
	events := session.Emitter().Forward(func(ev agentloop.SessionEvent) {
		logger.Debug("session event", zap.String("kind", string(ev.Kind)), zap.Any("data", ev.Data))
	})
	defer func() {
		session.Close()
		<-events
	}()

	if err := session.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize drowcoder: %w", err)
	}
	logger.Info("drowcoder started",
		zap.String("model", modelID),
		zap.String("workspace", env.WorkingDirectory()),
		zap.String("checkpoint", ckpt.Dir()),
	)

	d := driver{session: session, logger: logger, out: cmd.OutOrStdout(), postCompletion: model.PostCompletion}
	interactive := opts.Interactive || opts.Query == ""
	return d.run(ctx, opts.Query, interactive)
}

type driver struct {
	session        *agentloop.Session
	logger         *zap.Logger
	out            io.Writer
	postCompletion string
}

// run processes query once in headless mode, or keeps reading user turns
// until EOF or interrupt. Interrupts and EOF are clean exits.
func (d driver) run(ctx context.Context, query string, interactive bool) error {
	if !interactive {
		return clean(d.turn(ctx, query))
	}
	if query == "" {
		fmt.Fprintln(d.out, "Type your messages to interact with the agent. Press Ctrl+C to exit.")
	}
	for {
		err := d.turn(ctx, query)
		query = ""
		var invalid *agentloop.InvalidInputError
		switch {
		case err == nil:
		case errors.As(err, &invalid):
			fmt.Fprintln(d.out, err)
		default:
			return clean(err)
		}
	}
}

// turn sends content (or reads it interactively when empty), completes the
// turn and runs the configured post-completion task. Post-completion only
// follows a turn that ended normally, and its failure does not fail the turn.
func (d driver) turn(ctx context.Context, content string) error {
	if err := d.session.Receive(ctx, content); err != nil {
		return err
	}
	reason, err := d.session.Complete(ctx)
	if err != nil {
		return err
	}
	d.report(reason)

	if d.postCompletion == "" || ctx.Err() != nil {
		return nil
	}
	if reason != agentloop.StopTurnEnded && reason != agentloop.StopCompletionSignaled {
		d.logger.Debug("skipping post-completion task", zap.String("reason", string(reason)))
		return nil
	}
	if err := d.runPostCompletion(ctx); err != nil {
		if clean(err) == nil {
			return err
		}
		d.logger.Warn("post-completion failed", zap.Error(err))
		fmt.Fprintf(d.out, "Post-completion failed: %v\n", err)
	}
	return nil
}

func (d driver) runPostCompletion(ctx context.Context) error {
	d.logger.Info("running post-completion task")
	if err := d.session.Receive(ctx, d.postCompletion); err != nil {
		return err
	}
	reason, err := d.session.Complete(ctx)
	if err != nil {
		return err
	}
	d.report(reason)
	return nil
}

func (d driver) report(reason agentloop.StopReason) {
	switch reason {
	case agentloop.StopIterationLimit:
		fmt.Fprintf(d.out, "Stopped: reached the iteration limit of %d.\n", d.session.Config().MaxIterations)
	case agentloop.StopCompletionSignaled:
		fmt.Fprintln(d.out, "Task completed.")
	}
}

// clean maps interrupt and end of input to a successful exit.
func clean(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func applyFlagOverrides(cfg *config.Config, opts *Options) {
	if opts.Workspace != "" {
		cfg.Workspace = opts.Workspace
	}
	if opts.CheckpointRoot != "" {
		cfg.Checkpoint.Root = opts.CheckpointRoot
	}
	if opts.VerboseStyle != "" {
		cfg.Render.Style = opts.VerboseStyle
	}
	if opts.MetricsAddr != "" {
		cfg.Metrics.Addr = opts.MetricsAddr
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
}

// openCheckpoint creates the session directory. An absolute --checkpoint
// is used as is; a relative one lives under the checkpoint root.
func openCheckpoint(cfg *config.Config, opts *Options) (*checkpoint.Checkpoint, error) {
	root, name := cfg.Checkpoint.Root, opts.Checkpoint
	if filepath.IsAbs(name) {
		root, name = filepath.Dir(name), filepath.Base(name)
	}
	ckpt, err := checkpoint.New(root,
		checkpoint.WithName(name),
		checkpoint.WithForceReinit(cfg.Checkpoint.ForceReinit),
	)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint: %w", err)
	}
	return ckpt, nil
}

func sessionConfig(cfg *config.Config, model config.ModelConfig, env *tools.Environment) agentloop.SessionConfig {
	sc := agentloop.DefaultSessionConfig()
	sc.Provider, sc.Model = model.ProviderAndModel()
	sc.Temperature = model.Temperature
	if model.MaxTokens > 0 {
		n := model.MaxTokens
		sc.MaxTokens = &n
	}
	sc.MaxIterations = cfg.Agent.MaxIterations
	sc.KeepLastKToolCallGroups = cfg.Agent.KeepLastKToolCallGroups
	sc.AutoStopOnCompletion = cfg.Agent.AutoStopOnCompletion
	sc.ParallelToolCalls = cfg.Agent.ParallelToolCalls
	sc.EnableLoopDetection = cfg.Agent.EnableLoopDetection
	sc.LoopDetectionWindow = cfg.Agent.LoopDetectionWindow
	sc.TruncateToolOutput = cfg.Agent.TruncateToolOutput
	sc.UserInstructions = cfg.Agent.UserInstructions
	sc.Shell = env.Shell()
	sc.RulePaths = rulePaths(cfg.Agent.RulePaths, env)
	return sc
}

// rulePaths resolves configured rule paths against the workspace and adds
// the workspace's .drowcoder/rules directory.
func rulePaths(configured []string, env *tools.Environment) []string {
	paths := []string{filepath.Join(env.WorkingDirectory(), ".drowcoder", "rules")}
	for _, p := range configured {
		paths = append(paths, env.Resolve(p, true))
	}
	return paths
}

// mcpServers lists the enabled MCP servers of cfg. Stdio servers run in the
// workspace unless cwd says otherwise; a relative cwd is workspace-relative.
func mcpServers(cfg *config.Config, env *tools.Environment) []tools.MCPServer {
	var out []tools.MCPServer
	for _, name := range cfg.EnabledMCPServers() {
		s := cfg.MCPServers[name]
		dir := env.WorkingDirectory()
		if s.Cwd != "" {
			dir = env.Resolve(s.Cwd, true)
		}
		out = append(out, tools.MCPServer{
			Name:    name,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
			Dir:     dir,
			URL:     s.URL,
			Headers: s.Headers,
		})
	}
	return out
}

func applyToolOverrides(registry *agentloop.ToolRegistry, cfg *config.Config) error {
	if cfg.ToolsFile != "" {
		entries, err := agentloop.LoadToolConfigFile(cfg.ToolsFile)
		if err != nil {
			return err
		}
		if err := registry.ApplyConfig(entries); err != nil {
			return fmt.Errorf("apply %s: %w", cfg.ToolsFile, err)
		}
	}
	if len(cfg.Tools) > 0 {
		if err := registry.ApplyConfig(cfg.Tools); err != nil {
			return fmt.Errorf("apply config tools: %w", err)
		}
	}
	return nil
}

// newModelBackend builds a unifiedllm client around the gollm adapter for
// the selected model. Calls are logged; retries are added when configured.
func newModelBackend(model config.ModelConfig, logger *zap.Logger) (agentloop.Backend, error) {
	provider, modelID := model.ProviderAndModel()
	adapterOpts := []unifiedllm.GollmOption{
		unifiedllm.WithModel(modelID),
		unifiedllm.WithMaxTokens(model.MaxTokens),
	}
	if model.Temperature != nil {
		adapterOpts = append(adapterOpts, unifiedllm.WithTemperature(*model.Temperature))
	}
	adapter, err := unifiedllm.NewGollmAdapter(provider, model.APIKey, adapterOpts...)
	if err != nil {
		return nil, err
	}

	middleware := []unifiedllm.Middleware{unifiedllm.LoggingMiddleware(logger.Named("llm"))}
	if model.MaxRetries > 0 {
		policy := unifiedllm.DefaultRetryPolicy()
		policy.MaxRetries = model.MaxRetries
		policy.MaxDelay = 30 * time.Second
		policy.OnRetry = func(attempt int, delay time.Duration, err error) {
			logger.Warn("retrying model call", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		}
		middleware = append(middleware, unifiedllm.RetryMiddleware(policy))
	}
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(provider, adapter),
		unifiedllm.WithMiddleware(middleware...),
	), nil
}
