package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floehq/floe/internal/store"
	"github.com/floehq/floe/pkg/schema"
)

// memAppender collects events in memory.
type memAppender struct {
	mu     sync.Mutex
	events []*store.Event
}

func (a *memAppender) AppendEvent(_ context.Context, event *store.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *memAppender) types() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.events))
	for i, e := range a.events {
		out[i] = e.Type
	}
	return out
}

func TestRunFSMLifecycle(t *testing.T) {
	app := &memAppender{}
	fsm := NewRunFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusPending, schema.RunStatusRunning))
	require.NoError(t, fsm.Transition(ctx, "run-1", schema.RunStatusRunning, schema.RunStatusSuccess))

	assert.Equal(t, []string{schema.EventRunStarted, schema.EventRunCompleted}, app.types())
}

func TestRunFSMInvalidTransitions(t *testing.T) {
	fsm := NewRunFSM(&memAppender{})
	ctx := context.Background()

	cases := []struct{ from, to schema.RunStatus }{
		{schema.RunStatusPending, schema.RunStatusSuccess},
		{schema.RunStatusSuccess, schema.RunStatusRunning},
		{schema.RunStatusFailure, schema.RunStatusSuccess},
	}
	for _, tc := range cases {
		err := fsm.Transition(ctx, "run-1", tc.from, tc.to)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
	}
}

func TestRunFSMHooks(t *testing.T) {
	fsm := NewRunFSM(&memAppender{})

	var order []string
	fsm.OnBefore(schema.RunStatusPending, schema.RunStatusRunning, func(from, to string) error {
		order = append(order, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.RunStatusPending, schema.RunStatusRunning, func(from, to string) error {
		order = append(order, "after:"+from+"->"+to)
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "run-1", schema.RunStatusPending, schema.RunStatusRunning))
	assert.Equal(t, []string{"before:pending->running", "after:pending->running"}, order)
}

func TestNodeFSMLifecycle(t *testing.T) {
	app := &memAppender{}
	fsm := NewNodeFSM(app)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "run-1", "pay", schema.NodeRunStatusPending, schema.NodeRunStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "run-1", "pay", schema.NodeRunStatusRunning, schema.NodeRunStatusSuccess, []byte(`{"success":true}`)))

	assert.Equal(t, []string{schema.EventNodeStarted, schema.EventNodeCompleted}, app.types())
	assert.Equal(t, "pay", app.events[0].NodeID)
}

func TestNodeFSMSkipFromPending(t *testing.T) {
	app := &memAppender{}
	fsm := NewNodeFSM(app)

	require.NoError(t, fsm.Transition(context.Background(), "run-1", "vip",
		schema.NodeRunStatusPending, schema.NodeRunStatusSkipped, nil))
	assert.Equal(t, []string{schema.EventNodeSkipped}, app.types())
}

func TestNodeFSMTerminalStatesAreFinal(t *testing.T) {
	fsm := NewNodeFSM(&memAppender{})
	ctx := context.Background()

	for _, terminal := range []schema.NodeRunStatus{
		schema.NodeRunStatusSuccess, schema.NodeRunStatusFailed, schema.NodeRunStatusSkipped,
	} {
		err := fsm.Transition(ctx, "run-1", "pay", terminal, schema.NodeRunStatusRunning, nil)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
	}
}
