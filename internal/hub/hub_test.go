package hub

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmux/fleetmux/internal/event"
)

func newTestHub() *Hub {
	return New(slog.New(slog.DiscardHandler))
}

func TestSubjectRouting(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	all := h.Subscribe()
	workerOnly := h.Subscribe(event.SubjectWorker("a"))
	defer all.Close()
	defer workerOnly.Close()

	h.Publish(event.New(event.TypeWorkerState, event.SubjectWorker("a"), 1, nil))
	h.Publish(event.New(event.TypeWorkerState, event.SubjectWorker("b"), 2, nil))

	got := <-all.C()
	assert.Equal(t, event.SubjectWorker("a"), got.Subject)
	got = <-all.C()
	assert.Equal(t, event.SubjectWorker("b"), got.Subject)

	got = <-workerOnly.C()
	assert.Equal(t, event.SubjectWorker("a"), got.Subject)
	select {
	case e := <-workerOnly.C():
		t.Fatalf("unexpected event %v", e)
	default:
	}
}

func TestSlowSubscriberShedsOldest(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	sub := h.Subscribe()
	defer sub.Close()

	total := queueSize + 10
	for i := 0; i < total; i++ {
		h.Publish(event.New(event.TypeWorkerOutput, event.SubjectAll, int64(i), nil))
	}

	assert.True(t, sub.Lagged())
	assert.False(t, sub.Lagged(), "lagged flag clears on read")

	// The queue holds the newest events; the oldest were shed. A
	// synthetic lagged event marks the overflow.
	var received []int64
	sawLagged := false
	for len(sub.C()) > 0 {
		e := <-sub.C()
		if e.Type == event.TypeLagged {
			sawLagged = true
			continue
		}
		received = append(received, e.At)
	}
	assert.True(t, sawLagged)
	require.NotEmpty(t, received)
	assert.EqualValues(t, total-1, received[len(received)-1])

	// Order is preserved for what survived.
	for i := 1; i < len(received); i++ {
		assert.Greater(t, received[i], received[i-1])
	}
}

func TestFastSubscriberLosesNothing(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	sub := h.Subscribe()
	defer sub.Close()

	for i := 0; i < queueSize; i++ {
		h.Publish(event.New(event.TypeWorkerOutput, event.SubjectAll, int64(i), nil))
	}
	for i := 0; i < queueSize; i++ {
		e := <-sub.C()
		assert.EqualValues(t, i, e.At)
	}
	assert.False(t, sub.Lagged())
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	slow := h.Subscribe()
	fast := h.Subscribe()
	defer slow.Close()
	defer fast.Close()

	for i := 0; i < queueSize*2; i++ {
		h.Publish(event.New(event.TypeWorkerOutput, event.SubjectAll, int64(i), nil))
		if len(fast.C()) > 0 {
			<-fast.C()
		}
	}
	assert.True(t, slow.Lagged())
	assert.False(t, fast.Lagged())
}

func TestCloseUnblocksReceivers(t *testing.T) {
	h := newTestHub()
	sub := h.Subscribe()

	done := make(chan struct{})
	go func() {
		for range sub.C() {
		}
		close(done)
	}()

	h.Publish(event.New(event.TypeWorkerState, event.SubjectAll, 1, nil))
	h.Close()
	<-done

	// Publishing after close is a no-op.
	h.Publish(event.New(event.TypeWorkerState, event.SubjectAll, 2, nil))
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	sub := h.Subscribe(event.SubjectSwarm("sw1"))
	sub.Close()
	sub.Close()

	// A closed subscription no longer receives.
	h.Publish(event.New(event.TypeSwarmMessage, event.SubjectSwarm("sw1"), 1, nil))
	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestEnvelopeData(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	sub := h.Subscribe(event.SubjectChat("b"))
	defer sub.Close()

	h.Publish(event.New(event.TypeCheckpoint, event.SubjectChat("b"), 5, event.CheckpointPayload{
		CheckpointID: "cp1", FromHandle: "a", ToHandle: "b", Goal: "hand off auth work",
	}))

	e := <-sub.C()
	assert.Equal(t, event.TypeCheckpoint, e.Type)
	assert.JSONEq(t, fmt.Sprintf(`{"checkpointId":%q,"fromHandle":"a","toHandle":"b","goal":"hand off auth work"}`, "cp1"), string(e.Data))
}
