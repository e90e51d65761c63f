package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/martinemde/drowcoder/observability"
)

type loggerKey struct{}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or a no-op logger.
func LoggerFrom(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return zap.NewNop()
}

// Sink receives each tool message as soon as it is produced. A sink error
// stops the batch.
type Sink func(Message) error

// ToolExecutor turns a batch of tool call requests into tool messages.
type ToolExecutor struct {
	registry *ToolRegistry
	logger   *zap.Logger
	metrics  *observability.Metrics
	emitter  *EventEmitter
	parallel bool
	limits   *OutputLimits
}

// ExecutorOption configures a ToolExecutor.
type ExecutorOption func(*ToolExecutor)

// WithExecutorLogger sets the executor logger.
func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(e *ToolExecutor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithExecutorMetrics records tool call metrics.
func WithExecutorMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *ToolExecutor) { e.metrics = m }
}

// WithExecutorEvents emits tool_call_start and tool_call_end events.
func WithExecutorEvents(em *EventEmitter) ExecutorOption {
	return func(e *ToolExecutor) { e.emitter = em }
}

// WithParallel runs the calls of one batch concurrently. Messages are still
// delivered to the sink in request order.
func WithParallel(parallel bool) ExecutorOption {
	return func(e *ToolExecutor) { e.parallel = parallel }
}

// WithOutputLimits truncates tool message content per tool. Without it
// content is stored as the tool returned it.
func WithOutputLimits(limits OutputLimits) ExecutorOption {
	return func(e *ToolExecutor) { e.limits = &limits }
}

// NewToolExecutor creates an executor dispatching through registry.
func NewToolExecutor(registry *ToolRegistry, opts ...ExecutorOption) *ToolExecutor {
	e := &ToolExecutor{
		registry: registry,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs every request in calls and returns one tool message per
// request, all tagged with a fresh tool call group id. Tool failures are
// reported in message content; only a sink error is returned.
func (e *ToolExecutor) Execute(ctx context.Context, calls []ToolCallRequest, sink Sink) ([]Message, error) {
	groupID := uuid.New().String()
	if e.parallel && len(calls) > 1 {
		return e.executeParallel(ctx, groupID, calls, sink)
	}
	out := make([]Message, 0, len(calls))
	for _, call := range calls {
		msg := e.executeSingleTool(ctx, groupID, call)
		if sink != nil {
			if err := sink(msg); err != nil {
				return out, err
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

func (e *ToolExecutor) executeParallel(ctx context.Context, groupID string, calls []ToolCallRequest, sink Sink) ([]Message, error) {
	results := make([]Message, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call ToolCallRequest) {
			defer wg.Done()
			results[idx] = e.executeSingleTool(ctx, groupID, call)
		}(i, call)
	}
	wg.Wait()

	out := make([]Message, 0, len(results))
	for _, msg := range results {
		if sink != nil {
			if err := sink(msg); err != nil {
				return out, err
			}
		}
		out = append(out, msg)
	}
	return out, nil
}

// executeSingleTool handles lookup, decode, invoke and stringify for one call.
func (e *ToolExecutor) executeSingleTool(ctx context.Context, groupID string, call ToolCallRequest) Message {
	resp := ToolResponse{
		ToolCallID:      call.ID,
		ToolCallGroupID: groupID,
		FunctionName:    call.FunctionName,
	}
	e.emit(EventToolCallStart, map[string]interface{}{
		"tool_name": call.FunctionName,
		"call_id":   call.ID,
	})
	start := time.Now()

	finish := func(content string) Message {
		e.metrics.RecordToolCall(call.FunctionName, resp.Success, time.Since(start))
		e.emit(EventToolCallEnd, map[string]interface{}{
			"tool_name": call.FunctionName,
			"call_id":   call.ID,
			"success":   resp.Success,
		})
		return ToolMessage(content, resp)
	}

	desc, ok := e.registry.Lookup(call.FunctionName)
	if !ok || desc.Handler == nil {
		e.logger.Warn("unknown tool requested", zap.String("tool", call.FunctionName))
		return finish(fmt.Sprintf("Unknown tool: %s", call.FunctionName))
	}

	args, err := ParseToolArguments(call.Arguments)
	if err != nil {
		e.logger.Warn("tool arguments rejected", zap.String("tool", call.FunctionName), zap.Error(err))
		return finish(fmt.Sprintf("Error decoding arguments for %s: %v", call.FunctionName, err))
	}
	resp.Arguments = args

	var captured bytes.Buffer
	callLogger := e.capturingLogger(&captured).With(
		zap.String("tool", call.FunctionName),
		zap.String("tool_call_id", call.ID),
	)

	content, success, err := invoke(WithLogger(ctx, callLogger), desc.Handler, args)
	resp.CapturedLogs = captured.String()
	if err != nil {
		e.logger.Info("tool failed", zap.String("tool", call.FunctionName), zap.Error(err))
		return finish(fmt.Sprintf("Error executing %s: %v", call.FunctionName, err))
	}
	resp.Success = success
	if e.limits != nil {
		content = TruncateToolOutput(content, call.FunctionName, *e.limits)
	}
	return finish(content)
}

func (e *ToolExecutor) capturingLogger(buf *bytes.Buffer) *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	capture := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(buf), zapcore.DebugLevel)
	return e.logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, capture)
	}))
}

func (e *ToolExecutor) emit(kind EventKind, data map[string]interface{}) {
	if e.emitter != nil {
		e.emitter.Emit(kind, data)
	}
}

// invoke calls the handler and renders its result. A panic in either step
// becomes an error.
func invoke(ctx context.Context, h ToolHandler, args map[string]any) (content string, success bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			content, success, err = "", false, fmt.Errorf("panic: %v", r)
		}
	}()
	result, err := h.Invoke(ctx, args)
	if err != nil {
		return "", false, err
	}
	content, success = stringifyResult(result)
	return content, success, nil
}

type succeeder interface {
	Succeeded() bool
}

// stringifyResult renders a handler result as message content.
func stringifyResult(result any) (string, bool) {
	success := true
	if s, ok := result.(succeeder); ok {
		success = s.Succeeded()
	}
	switch v := result.(type) {
	case nil:
		return "", success
	case string:
		return v, success
	case fmt.Stringer:
		return v.String(), success
	case []byte:
		return string(v), success
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v), success
		}
		return string(data), success
	}
}
