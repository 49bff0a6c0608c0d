package notification

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/secretflow/internal/worker"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func TestDispatcherStampsAndPublishes(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, worker.NewInline())

	d.Notify(Event{Type: TypeRequestOpened, RequestID: "r1"})

	require.Len(t, sink.events, 1)
	assert.Equal(t, "r1", sink.events[0].RequestID)
	assert.False(t, sink.events[0].At.IsZero())
}

func TestDispatcherSwallowsSinkErrors(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	d := NewDispatcher(sink, worker.NewInline())
	assert.NotPanics(t, func() { d.Notify(Event{Type: TypeRequestMerged}) })
	assert.Len(t, sink.events, 1)
}

func TestNilDispatcherIsNoop(t *testing.T) {
	var d *Dispatcher
	assert.NotPanics(t, func() { d.Notify(Event{Type: TypeRequestClosed}) })
}

func TestNewRedisPublisherRejectsBadURL(t *testing.T) {
	_, err := NewRedisPublisher(context.Background(), "not-a-url", "")
	assert.Error(t, err)
}
