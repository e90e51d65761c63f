package agentloop

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/martinemde/drowcoder/observability"
	"github.com/martinemde/drowcoder/unifiedllm"
)

// SessionState represents the current lifecycle state of a session.
type SessionState string

const (
	StateAwaitingUserInput     SessionState = "awaiting_user_input"
	StateAwaitingModelResponse SessionState = "awaiting_model_response"
	StateExecutingTools        SessionState = "executing_tools"
	StateCompleted             SessionState = "completed"
	StateAborted               SessionState = "aborted"
)

// StopReason reports why Complete returned.
type StopReason string

const (
	StopTurnEnded          StopReason = "turn_ended"
	StopCompletionSignaled StopReason = "completion_signaled"
	StopIterationLimit     StopReason = "iteration_limit"
	StopBackendFailure     StopReason = "backend_failure"
	StopCheckpointFailure  StopReason = "checkpoint_failure"
	StopInterrupted        StopReason = "interrupted"
)

// ErrAborted is returned once a session has recorded a fatal error.
var ErrAborted = errors.New("session aborted")

// ErrNotInitialized is returned when Receive or Complete runs before Init.
var ErrNotInitialized = errors.New("session not initialized")

// InvalidInputError rejects user content that cannot enter the history.
type InvalidInputError struct {
	Reason string
}

func (e *InvalidInputError) Error() string {
	return "invalid user input: " + e.Reason
}

// Backend issues model requests. *unifiedllm.Client satisfies it.
type Backend interface {
	Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error)
}

// Recorder persists appended messages and raw model payloads.
type Recorder interface {
	PunchMessage(msg any) error
	PunchRawMessage(raw any) error
}

// Renderer presents each appended message to the user.
type Renderer interface {
	RenderMessage(msg Message)
}

// SessionConfig holds configuration for a session.
type SessionConfig struct {
	Model                   string   `json:"model"`
	Provider                string   `json:"provider,omitempty"`
	Temperature             *float64 `json:"temperature,omitempty"`
	MaxTokens               *int     `json:"max_tokens,omitempty"`
	MaxIterations           int      `json:"max_iterations"`
	KeepLastKToolCallGroups int      `json:"keep_last_k_tool_call_groups"` // negative keeps all
	AutoStopOnCompletion    bool     `json:"auto_stop_on_completion"`
	CompletionToolName      string   `json:"completion_tool_name"`
	ParallelToolCalls       bool     `json:"parallel_tool_calls"`
	EnableLoopDetection     bool     `json:"enable_loop_detection"`
	LoopDetectionWindow     int      `json:"loop_detection_window"`
	Instruction             string   `json:"instruction,omitempty"`
	UserInstructions        string   `json:"user_instructions,omitempty"` // appended last to system prompt
	RulePaths               []string `json:"rule_paths,omitempty"`
	Shell                   string   `json:"shell,omitempty"`
	TruncateToolOutput      bool     `json:"truncate_tool_output"`
}

// DefaultSessionConfig returns the default configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		MaxIterations:           50,
		KeepLastKToolCallGroups: 5,
		CompletionToolName:      "attempt_completion",
		EnableLoopDetection:     true,
		LoopDetectionWindow:     10,
	}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionConfig replaces the default configuration.
func WithSessionConfig(cfg SessionConfig) SessionOption {
	return func(s *Session) { s.config = cfg }
}

// WithWorkspace sets the host description used in the system prompt.
func WithWorkspace(ws Workspace) SessionOption {
	return func(s *Session) { s.workspace = ws }
}

// WithRecorder persists every appended message.
func WithRecorder(r Recorder) SessionOption {
	return func(s *Session) { s.recorder = r }
}

// WithRenderer presents every appended message.
func WithRenderer(r Renderer) SessionOption {
	return func(s *Session) { s.renderer = r }
}

// WithSessionLogger sets the session logger.
func WithSessionLogger(l *zap.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSessionMetrics records loop metrics.
func WithSessionMetrics(m *observability.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithInput sets where interactive input is read from and where the
// prompt is written.
func WithInput(in io.Reader, prompt io.Writer) SessionOption {
	return func(s *Session) {
		s.input = in
		s.prompt = prompt
	}
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) SessionOption {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

type lineResult struct {
	text string
	err  error
}

// Session is the central orchestrator for the agentic loop.
type Session struct {
	id        string
	backend   Backend
	registry  *ToolRegistry
	executor  *ToolExecutor
	workspace Workspace
	recorder  Recorder
	renderer  Renderer
	logger    *zap.Logger
	metrics   *observability.Metrics
	emitter   *EventEmitter
	config    SessionConfig

	input     io.Reader
	prompt    io.Writer
	lines     chan lineResult
	linesOnce sync.Once

	history     []Message
	groupIDs    []string
	state       SessionState
	initialized bool
	fatal       error
	usage       unifiedllm.Usage
	mu          sync.Mutex
}

// NewSession creates a session that calls backend and dispatches tools
// through registry.
func NewSession(backend Backend, registry *ToolRegistry, opts ...SessionOption) *Session {
	s := &Session{
		id:       uuid.New().String(),
		backend:  backend,
		registry: registry,
		logger:   zap.NewNop(),
		config:   DefaultSessionConfig(),
		input:    os.Stdin,
		prompt:   os.Stdout,
		state:    StateAwaitingUserInput,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewToolRegistry()
	}
	s.logger = s.logger.With(zap.String("session_id", s.id))
	s.emitter = NewEventEmitter(s.id, 256)
	execOpts := []ExecutorOption{
		WithExecutorLogger(s.logger),
		WithExecutorMetrics(s.metrics),
		WithExecutorEvents(s.emitter),
		WithParallel(s.config.ParallelToolCalls),
	}
	if s.config.TruncateToolOutput {
		execOpts = append(execOpts, WithOutputLimits(OutputLimits{}))
	}
	s.executor = NewToolExecutor(s.registry, execOpts...)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Config returns the session configuration.
func (s *Session) Config() SessionConfig { return s.config }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the fatal error that aborted the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatal
}

// History returns a copy of the conversation history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := make([]Message, len(s.history))
	for i, m := range s.history {
		h[i] = m.clone()
	}
	return h
}

// GroupIDs returns tool call group ids, oldest first.
func (s *Session) GroupIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.groupIDs))
	copy(ids, s.groupIDs)
	return ids
}

// Usage returns the token usage accumulated over all model calls.
func (s *Session) Usage() unifiedllm.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// Events returns the event channel for the host application.
func (s *Session) Events() <-chan SessionEvent {
	return s.emitter.Events()
}

// Emitter exposes the session's event emitter.
func (s *Session) Emitter() *EventEmitter { return s.emitter }

// Init builds the system prompt and appends it as the first message.
func (s *Session) Init(ctx context.Context) error {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return errors.New("session already initialized")
	}
	s.mu.Unlock()

	prompt, err := BuildSystemPrompt(PromptInput{
		Workspace:        s.workspace,
		Model:            s.config.Model,
		Shell:            s.config.Shell,
		Instruction:      s.config.Instruction,
		UserInstructions: s.config.UserInstructions,
		RulePaths:        s.config.RulePaths,
		Tools:            s.registry.Schemas(),
		CompletionTools:  []string{s.config.CompletionToolName},
	})
	if err != nil {
		return fmt.Errorf("build system prompt: %w", err)
	}

	if err := s.append(SystemMessage(prompt)); err != nil {
		return s.abort(err)
	}
	s.mu.Lock()
	s.initialized = true
	s.state = StateAwaitingUserInput
	s.mu.Unlock()

	s.emitter.Emit(EventSessionStart, map[string]interface{}{
		"model": s.config.Model,
		"tools": s.registry.Names(),
	})
	s.logger.Info("session initialized",
		zap.String("model", s.config.Model),
		zap.Int("tools", len(s.registry.Schemas())),
	)
	return nil
}

// Receive appends a user message. Empty content reads one non-empty line
// from the interactive input.
func (s *Session) Receive(ctx context.Context, content string) error {
	if err := s.ready(); err != nil {
		return err
	}

	if content == "" {
		line, err := s.readLine(ctx)
		if err != nil {
			return err
		}
		content = line
	}
	if !utf8.ValidString(content) {
		return &InvalidInputError{Reason: "content is not valid UTF-8"}
	}
	if strings.ContainsRune(content, 0) {
		return &InvalidInputError{Reason: "content contains NUL bytes"}
	}

	if err := s.append(UserMessage(content)); err != nil {
		return s.abort(err)
	}
	s.setState(StateAwaitingModelResponse)
	s.emitter.Emit(EventUserInput, map[string]interface{}{
		"content": content,
	})
	return nil
}

// Complete runs model calls and tool batches until the model ends its turn
// or a stop condition is hit.
func (s *Session) Complete(ctx context.Context) (StopReason, error) {
	if err := s.ready(); err != nil {
		return StopBackendFailure, err
	}

	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			s.setState(StateAwaitingUserInput)
			return s.stop(StopInterrupted), err
		}

		// 1. Iteration cap.
		if iteration >= s.config.MaxIterations {
			s.setState(StateAborted)
			s.emitter.Emit(EventIterationLimit, map[string]interface{}{
				"iterations": iteration,
			})
			s.logger.Warn("iteration limit reached", zap.Int("max_iterations", s.config.MaxIterations))
			return s.stop(StopIterationLimit), nil
		}
		s.metrics.RecordIteration()
		s.setState(StateAwaitingModelResponse)

		// 2. Build the request from the pruned view.
		history := s.History()
		view := Prepare(history, s.config.KeepLastKToolCallGroups)
		s.metrics.RecordPruned(PrunedCount(history, s.config.KeepLastKToolCallGroups))
		request := unifiedllm.Request{
			Model:       s.config.Model,
			Provider:    s.config.Provider,
			Messages:    ToLLMMessages(view),
			Tools:       s.registry.Definitions(),
			ToolChoice:  unifiedllm.ToolChoiceAuto,
			Temperature: s.config.Temperature,
			MaxTokens:   s.config.MaxTokens,
		}

		// 3. Call the backend.
		s.emitter.Emit(EventModelRequest, map[string]interface{}{
			"iteration": iteration,
			"messages":  len(request.Messages),
		})
		start := time.Now()
		response, err := s.backend.Complete(ctx, request)
		if err != nil {
			s.metrics.RecordModelRequest("error", time.Since(start))
			s.emitter.Emit(EventError, map[string]interface{}{
				"error": err.Error(),
			})
			return s.stop(StopBackendFailure), s.abort(fmt.Errorf("unrecoverable LLM error: %w", err))
		}
		s.metrics.RecordModelRequest("ok", time.Since(start))
		s.mu.Lock()
		s.usage = s.usage.Add(response.Usage)
		s.mu.Unlock()

		// 4. Persist the raw payload, then append the assistant message.
		if s.recorder != nil {
			if err := s.recorder.PunchRawMessage(rawPayload(response)); err != nil {
				return s.stop(StopCheckpointFailure), s.abort(fmt.Errorf("checkpoint raw message: %w", err))
			}
		}
		assistant := FromLLMResponse(response)
		if err := s.append(assistant); err != nil {
			return s.stop(StopCheckpointFailure), s.abort(err)
		}
		s.emitter.Emit(EventModelResponse, map[string]interface{}{
			"text":          assistant.Content,
			"tool_calls":    len(assistant.ToolCalls),
			"finish_reason": string(response.FinishReason),
		})

		// 5. No tool calls ends the turn.
		if !assistant.HasToolCalls() {
			s.setState(StateAwaitingUserInput)
			return s.stop(StopTurnEnded), nil
		}

		// 6. Run the batch; each message is appended as it is produced.
		s.setState(StateExecutingTools)
		results, err := s.executor.Execute(ctx, assistant.ToolCalls, s.append)
		if err != nil {
			return s.stop(StopCheckpointFailure), s.abort(err)
		}

		// 7. Completion signal.
		if s.completionSignaled(results) {
			s.emitter.Emit(EventCompletion, map[string]interface{}{
				"tool_name": s.config.CompletionToolName,
			})
			if s.config.AutoStopOnCompletion {
				s.setState(StateCompleted)
				return s.stop(StopCompletionSignaled), nil
			}
		}

		// 8. Loop detection.
		if s.config.EnableLoopDetection && DetectLoop(s.History(), s.config.LoopDetectionWindow) {
			s.metrics.RecordLoopDetection()
			s.logger.Warn("repeating tool call pattern detected", zap.Int("window", s.config.LoopDetectionWindow))
			s.emitter.Emit(EventLoopDetection, map[string]interface{}{
				"window": s.config.LoopDetectionWindow,
			})
		}
	}
}

// Close terminates the session and releases its event channel.
func (s *Session) Close() {
	s.emitter.Emit(EventSessionEnd, map[string]interface{}{
		"state": string(s.State()),
	})
	s.emitter.Close()
}

// append adds msg to the history, persists it and hands it to the renderer.
func (s *Session) append(msg Message) error {
	s.mu.Lock()
	s.history = append(s.history, msg)
	if gid := msg.GroupID(); msg.Role == RoleTool && !containsString(s.groupIDs, gid) {
		s.groupIDs = append(s.groupIDs, gid)
	}
	s.mu.Unlock()

	if s.recorder != nil {
		if err := s.recorder.PunchMessage(msg); err != nil {
			return fmt.Errorf("checkpoint message: %w", err)
		}
	}
	if s.renderer != nil {
		s.renderer.RenderMessage(msg)
	}
	s.emitter.Emit(EventMessageAppended, map[string]interface{}{
		"role": string(msg.Role),
	})
	return nil
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatal != nil {
		return fmt.Errorf("%w: %v", ErrAborted, s.fatal)
	}
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

// abort records err as fatal and moves the session to StateAborted.
func (s *Session) abort(err error) error {
	s.mu.Lock()
	s.state = StateAborted
	if s.fatal == nil {
		s.fatal = err
	}
	s.mu.Unlock()
	s.logger.Error("session aborted", zap.Error(err))
	return err
}

func (s *Session) stop(reason StopReason) StopReason {
	s.metrics.RecordStop(string(reason))
	return reason
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) completionSignaled(results []Message) bool {
	name := s.config.CompletionToolName
	if name == "" {
		return false
	}
	for _, m := range results {
		if m.Tool != nil && m.Tool.FunctionName == name && m.Tool.Success {
			return true
		}
	}
	return false
}

// readLine prompts and blocks until a non-empty line arrives.
func (s *Session) readLine(ctx context.Context) (string, error) {
	s.linesOnce.Do(func() {
		s.lines = make(chan lineResult)
		go s.scanInput()
	})
	for {
		if s.prompt != nil {
			fmt.Fprint(s.prompt, "> ")
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case r, ok := <-s.lines:
			if !ok {
				return "", io.EOF
			}
			if r.err != nil {
				return "", r.err
			}
			if line := strings.TrimSpace(r.text); line != "" {
				return line, nil
			}
		}
	}
}

func (s *Session) scanInput() {
	defer close(s.lines)
	scanner := bufio.NewScanner(s.input)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.lines <- lineResult{text: scanner.Text()}
	}
	if err := scanner.Err(); err != nil {
		s.lines <- lineResult{err: err}
	}
}

// rawPayload returns the provider payload for raw_messages, synthesizing
// one when the adapter did not supply it.
func rawPayload(resp *unifiedllm.Response) map[string]interface{} {
	if resp.Raw != nil {
		return resp.Raw
	}
	return map[string]interface{}{
		"id":            resp.ID,
		"model":         resp.Model,
		"provider":      resp.Provider,
		"text":          resp.Text(),
		"finish_reason": string(resp.FinishReason),
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
