package agentloop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventEmitterDeliversInOrder(t *testing.T) {
	em := NewEventEmitter("sess", 4)
	em.Emit(EventSessionStart, nil)
	em.Emit(EventUserInput, map[string]interface{}{"content": "hi"})
	em.Close()

	var got []SessionEvent
	for ev := range em.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	require.Equal(t, EventSessionStart, got[0].Kind)
	require.Equal(t, "hi", got[1].Data["content"])
	require.False(t, got[1].Timestamp.IsZero())
	require.Equal(t, []uint64{1, 2}, []uint64{got[0].Seq, got[1].Seq})
	require.Equal(t, "sess", got[0].SessionID)
}

func TestEventEmitterDropsWhenFull(t *testing.T) {
	em := NewEventEmitter("sess", 1)
	em.Emit(EventWarning, nil)
	em.Emit(EventWarning, nil)
	em.Emit(EventWarning, nil)
	require.Equal(t, 2, em.Dropped())

	ev := <-em.Events()
	require.EqualValues(t, 1, ev.Seq)
}

func TestEventEmitterClosedAndNil(t *testing.T) {
	em := NewEventEmitter("sess", 0)
	em.Close()
	em.Close()
	em.Emit(EventError, nil)
	require.Zero(t, em.Dropped())

	var nilEmitter *EventEmitter
	nilEmitter.Emit(EventError, nil)
}

func TestEventEmitterForward(t *testing.T) {
	em := NewEventEmitter("sess", 8)
	var kinds []EventKind
	done := em.Forward(func(ev SessionEvent) { kinds = append(kinds, ev.Kind) })

	em.Emit(EventModelRequest, nil)
	em.Emit(EventModelResponse, nil)
	em.Close()
	<-done

	require.Equal(t, []EventKind{EventModelRequest, EventModelResponse}, kinds)
}
