package agentloop

import (
	"sync"
	"time"
)

// EventKind names a session lifecycle event.
type EventKind string

// Events emitted over a session's lifetime.
const (
	EventSessionStart    EventKind = "session_start"
	EventSessionEnd      EventKind = "session_end"
	EventUserInput       EventKind = "user_input"
	EventMessageAppended EventKind = "message_appended"
	EventModelRequest    EventKind = "model_request"
	EventModelResponse   EventKind = "model_response"
	EventToolCallStart   EventKind = "tool_call_start"
	EventToolCallEnd     EventKind = "tool_call_end"
	EventIterationLimit  EventKind = "iteration_limit"
	EventCompletion      EventKind = "completion"
	EventLoopDetection   EventKind = "loop_detection"
	EventWarning         EventKind = "warning"
	EventError           EventKind = "error"
)

// SessionEvent is one entry of the event stream. Seq numbers every event
// emitted by the emitter, including dropped ones, so gaps reveal drops.
type SessionEvent struct {
	Seq       uint64         `json:"seq"`
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
}

const defaultEventBuffer = 256

// EventEmitter is a non-blocking event stream. When the buffer is full new
// events are counted and discarded; the loop never waits on a consumer.
// A nil *EventEmitter accepts and ignores events.
type EventEmitter struct {
	sessionID string

	mu      sync.Mutex
	ch      chan SessionEvent
	seq     uint64
	dropped int
	closed  bool
}

// NewEventEmitter returns an emitter buffering up to buffer events. A
// non-positive buffer uses the default of 256.
func NewEventEmitter(sessionID string, buffer int) *EventEmitter {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &EventEmitter{sessionID: sessionID, ch: make(chan SessionEvent, buffer)}
}

// Emit stamps and queues an event. It never blocks.
func (e *EventEmitter) Emit(kind EventKind, data map[string]any) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.seq++
	ev := SessionEvent{Seq: e.seq, Kind: kind, Timestamp: time.Now(), SessionID: e.sessionID, Data: data}
	select {
	case e.ch <- ev:
	default:
		e.dropped++
	}
}

// Dropped reports how many events were discarded on a full buffer.
func (e *EventEmitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Events is the receive side of the stream. It is closed by Close.
func (e *EventEmitter) Events() <-chan SessionEvent { return e.ch }

// Forward consumes the stream on its own goroutine. The returned channel
// closes after the last event has been handled.
func (e *EventEmitter) Forward(fn func(SessionEvent)) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range e.ch {
			fn(ev)
		}
	}()
	return done
}

// Close ends the stream. Later calls and later events are ignored.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.ch)
}
