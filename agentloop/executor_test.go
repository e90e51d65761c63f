package agentloop

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/martinemde/drowcoder/observability"
)

type resultStub struct {
	text string
	ok   bool
}

func (r resultStub) String() string  { return r.text }
func (r resultStub) Succeeded() bool { return r.ok }

func newTestRegistry(handlers map[string]HandlerFunc) *ToolRegistry {
	reg := NewToolRegistry()
	for name, h := range handlers {
		reg.Register(NewToolDescriptor(name, name, nil, h))
	}
	return reg
}

func TestExecuteSingleCall(t *testing.T) {
	reg := newTestRegistry(map[string]HandlerFunc{
		"greet": func(_ context.Context, args map[string]any) (any, error) {
			return "hello " + args["name"].(string), nil
		},
	})
	exec := NewToolExecutor(reg)

	msgs, err := exec.Execute(context.Background(), []ToolCallRequest{
		{ID: "c1", FunctionName: "greet", Arguments: `{"name":"ada"}`},
	}, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, RoleTool, msgs[0].Role)
	require.Equal(t, "hello ada", msgs[0].Content)
	require.Equal(t, "c1", msgs[0].ToolCallID())
	require.True(t, msgs[0].Tool.Success)
	require.Equal(t, "ada", msgs[0].Tool.Arguments["name"])
	require.NotEmpty(t, msgs[0].GroupID())
}

func TestExecuteFailures(t *testing.T) {
	reg := newTestRegistry(map[string]HandlerFunc{
		"boom": func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("boom")
		},
		"panics": func(context.Context, map[string]any) (any, error) {
			panic("kaput")
		},
		"soft": func(context.Context, map[string]any) (any, error) {
			return resultStub{text: "nope", ok: false}, nil
		},
	})
	exec := NewToolExecutor(reg)

	msgs, err := exec.Execute(context.Background(), []ToolCallRequest{
		{ID: "1", FunctionName: "missing"},
		{ID: "2", FunctionName: "boom"},
		{ID: "3", FunctionName: "boom", Arguments: `{oops`},
		{ID: "4", FunctionName: "panics"},
		{ID: "5", FunctionName: "soft"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	require.Equal(t, "Unknown tool: missing", msgs[0].Content)
	require.Equal(t, "Error executing boom: boom", msgs[1].Content)
	require.True(t, strings.HasPrefix(msgs[2].Content, "Error decoding arguments for boom: invalid tool arguments"))
	require.Equal(t, "Error executing panics: panic: kaput", msgs[3].Content)
	require.Equal(t, "nope", msgs[4].Content)
	for _, m := range msgs {
		require.False(t, m.Tool.Success)
	}
}

type namedResult struct{ name string }

func (r *namedResult) String() string { return r.name }

func TestExecuteContainsPanicWhileRendering(t *testing.T) {
	reg := newTestRegistry(map[string]HandlerFunc{
		"typed_nil": func(context.Context, map[string]any) (any, error) {
			return (*namedResult)(nil), nil
		},
		"ok": func(context.Context, map[string]any) (any, error) { return "fine", nil },
	})

	for _, parallel := range []bool{false, true} {
		exec := NewToolExecutor(reg, WithParallel(parallel))
		var msgs []Message
		require.NotPanics(t, func() {
			var err error
			msgs, err = exec.Execute(context.Background(), []ToolCallRequest{
				{ID: "1", FunctionName: "typed_nil"},
				{ID: "2", FunctionName: "ok"},
			}, nil)
			require.NoError(t, err)
		})
		require.Len(t, msgs, 2)
		require.True(t, strings.HasPrefix(msgs[0].Content, "Error executing typed_nil: panic: "), msgs[0].Content)
		require.False(t, msgs[0].Tool.Success)
		require.Equal(t, "fine", msgs[1].Content)
		require.True(t, msgs[1].Tool.Success)
	}
}

func TestExecuteDisabledToolIsUnknown(t *testing.T) {
	reg := newTestRegistry(map[string]HandlerFunc{
		"a": func(context.Context, map[string]any) (any, error) { return "ok", nil },
	})
	require.NoError(t, reg.Disable("a"))

	msgs, err := NewToolExecutor(reg).Execute(context.Background(), []ToolCallRequest{{ID: "1", FunctionName: "a"}}, nil)
	require.NoError(t, err)
	require.Equal(t, "Unknown tool: a", msgs[0].Content)
}

func TestExecuteResultShapes(t *testing.T) {
	reg := newTestRegistry(map[string]HandlerFunc{
		"nil":   func(context.Context, map[string]any) (any, error) { return nil, nil },
		"bytes": func(context.Context, map[string]any) (any, error) { return []byte("raw"), nil },
		"json": func(context.Context, map[string]any) (any, error) {
			return map[string]int{"n": 1}, nil
		},
	})
	msgs, err := NewToolExecutor(reg).Execute(context.Background(), []ToolCallRequest{
		{ID: "1", FunctionName: "nil"},
		{ID: "2", FunctionName: "bytes"},
		{ID: "3", FunctionName: "json"},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "", msgs[0].Content)
	require.Equal(t, "raw", msgs[1].Content)
	require.Equal(t, `{"n":1}`, msgs[2].Content)
}

func TestExecuteSharesGroupIDPerBatch(t *testing.T) {
	reg := newTestRegistry(map[string]HandlerFunc{
		"a": func(context.Context, map[string]any) (any, error) { return "ok", nil },
	})
	exec := NewToolExecutor(reg)
	calls := []ToolCallRequest{{ID: "1", FunctionName: "a"}, {ID: "2", FunctionName: "a"}}

	first, err := exec.Execute(context.Background(), calls, nil)
	require.NoError(t, err)
	second, err := exec.Execute(context.Background(), calls, nil)
	require.NoError(t, err)

	require.Equal(t, first[0].GroupID(), first[1].GroupID())
	require.Equal(t, second[0].GroupID(), second[1].GroupID())
	require.NotEqual(t, first[0].GroupID(), second[0].GroupID())
}

func TestExecuteSinkErrorStopsBatch(t *testing.T) {
	var calls int32
	reg := newTestRegistry(map[string]HandlerFunc{
		"a": func(context.Context, map[string]any) (any, error) {
			atomic.AddInt32(&calls, 1)
			return "ok", nil
		},
	})
	sinkErr := errors.New("disk full")
	var seen []string
	msgs, err := NewToolExecutor(reg).Execute(context.Background(), []ToolCallRequest{
		{ID: "1", FunctionName: "a"},
		{ID: "2", FunctionName: "a"},
		{ID: "3", FunctionName: "a"},
	}, func(m Message) error {
		seen = append(seen, m.ToolCallID())
		if m.ToolCallID() == "2" {
			return sinkErr
		}
		return nil
	})
	require.ErrorIs(t, err, sinkErr)
	require.Len(t, msgs, 1)
	require.Equal(t, []string{"1", "2"}, seen)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestExecuteParallelPreservesOrder(t *testing.T) {
	reg := newTestRegistry(map[string]HandlerFunc{
		"sleep": func(_ context.Context, args map[string]any) (any, error) {
			ms, _ := GetIntArg(args, "ms")
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return args["tag"], nil
		},
	})
	exec := NewToolExecutor(reg, WithParallel(true))

	var order []string
	msgs, err := exec.Execute(context.Background(), []ToolCallRequest{
		{ID: "1", FunctionName: "sleep", Arguments: `{"ms":40,"tag":"first"}`},
		{ID: "2", FunctionName: "sleep", Arguments: `{"ms":1,"tag":"second"}`},
		{ID: "3", FunctionName: "sleep", Arguments: `{"ms":20,"tag":"third"}`},
	}, func(m Message) error {
		order = append(order, m.Content)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second", "third"}, order)
	require.Equal(t, msgs[0].GroupID(), msgs[2].GroupID())
}

func TestExecuteCapturesHandlerLogs(t *testing.T) {
	reg := newTestRegistry(map[string]HandlerFunc{
		"noisy": func(ctx context.Context, _ map[string]any) (any, error) {
			LoggerFrom(ctx).Info("reading file", zap.String("path", "a.txt"))
			return "ok", nil
		},
	})
	msgs, err := NewToolExecutor(reg, WithExecutorLogger(zap.NewNop())).Execute(context.Background(),
		[]ToolCallRequest{{ID: "1", FunctionName: "noisy"}}, nil)
	require.NoError(t, err)
	require.Contains(t, msgs[0].Tool.CapturedLogs, "reading file")
	require.Contains(t, msgs[0].Tool.CapturedLogs, "a.txt")
}

func TestExecuteOutputLimits(t *testing.T) {
	long := strings.Repeat("x", 100)
	reg := newTestRegistry(map[string]HandlerFunc{
		"big": func(context.Context, map[string]any) (any, error) { return long, nil },
	})
	call := []ToolCallRequest{{ID: "1", FunctionName: "big"}}

	msgs, err := NewToolExecutor(reg).Execute(context.Background(), call, nil)
	require.NoError(t, err)
	require.Equal(t, long, msgs[0].Content)

	limited := NewToolExecutor(reg, WithOutputLimits(OutputLimits{Chars: map[string]int{"big": 10}}))
	msgs, err = limited.Execute(context.Background(), call, nil)
	require.NoError(t, err)
	require.Contains(t, msgs[0].Content, "[Output truncated: 90 characters removed from the middle.")
}

func TestExecuteEmitsEventsAndMetrics(t *testing.T) {
	reg := newTestRegistry(map[string]HandlerFunc{
		"a": func(context.Context, map[string]any) (any, error) { return "ok", nil },
	})
	em := NewEventEmitter("s1", 8)
	metrics := observability.NewMetrics()
	exec := NewToolExecutor(reg, WithExecutorEvents(em), WithExecutorMetrics(metrics))

	_, err := exec.Execute(context.Background(), []ToolCallRequest{{ID: "1", FunctionName: "a"}}, nil)
	require.NoError(t, err)
	em.Close()

	var kinds []EventKind
	for ev := range em.Events() {
		kinds = append(kinds, ev.Kind)
		require.Equal(t, "s1", ev.SessionID)
	}
	require.Equal(t, []EventKind{EventToolCallStart, EventToolCallEnd}, kinds)

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
