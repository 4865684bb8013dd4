package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) RecordJoin(ctx context.Context, mid, remoteAddr string, props map[string]any, at time.Time) (string, error) {
	args := m.Called(mid, remoteAddr, props, at)
	return args.String(0), args.Error(1)
}

func (m *mockWriter) RecordLeave(ctx context.Context, mid string, at time.Time) error {
	args := m.Called(mid, at)
	return args.Error(0)
}

func (m *mockWriter) OpenMachines(ctx context.Context) ([]string, error) {
	args := m.Called()
	return args.Get(0).([]string), args.Error(1)
}

type nopLink struct{}

func (nopLink) Close() error { return nil }

func TestRecorderWritesJoinsAndLeaves(t *testing.T) {
	reg := agents.NewRegistry(nil)
	w := &mockWriter{}

	joined := make(chan struct{})
	left := make(chan struct{})
	w.On("RecordJoin", "m1", "10.0.0.5:1234", map[string]any{"board": "a"}, mock.AnythingOfType("time.Time")).
		Return("row-1", nil).Run(func(mock.Arguments) { close(joined) })
	w.On("RecordLeave", "m1", mock.AnythingOfType("time.Time")).
		Return(nil).Run(func(mock.Arguments) { close(left) })

	ctx, cancel := context.WithCancel(context.Background())
	done := NewRecorder(w, nil).Run(ctx, reg)

	require.NoError(t, reg.Upsert(&agents.Agent{
		MachineID:  "m1",
		Mode:       agents.ModeControl,
		RemoteAddr: "10.0.0.5:1234",
		Properties: map[string]any{"board": "a"},
	}, nopLink{}))
	require.NoError(t, reg.UpdateStatus("m1", agents.StatusRunning))
	require.True(t, reg.Remove("m1"))

	for _, ch := range []chan struct{}{joined, left} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("event not recorded")
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not stop")
	}
	w.AssertExpectations(t)
	w.AssertNumberOfCalls(t, "RecordJoin", 1)
}

func TestRecorderSurvivesWriteErrors(t *testing.T) {
	w := &mockWriter{}
	w.On("RecordLeave", "m1", mock.Anything).Return(errors.New("db down")).Once()
	w.On("RecordLeave", "m2", mock.Anything).Return(nil).Once()

	r := NewRecorder(w, nil)
	r.record(agents.Event{Type: agents.EventLeft, Agent: agents.Agent{MachineID: "m1"}})
	r.record(agents.Event{Type: agents.EventLeft, Agent: agents.Agent{MachineID: "m2"}})
	w.AssertExpectations(t)
	assert.Len(t, w.Calls, 2)
}

func TestRecorderReconcilesAfterLostEvents(t *testing.T) {
	w := &mockWriter{}
	w.On("OpenMachines").Return([]string{"gone", "stays"}, nil).Once()
	w.On("RecordLeave", "gone", mock.AnythingOfType("time.Time")).Return(nil).Once()
	w.On("RecordJoin", "new", "10.0.0.9:1", map[string]any(nil), mock.AnythingOfType("time.Time")).
		Return("row-9", nil).Once()

	NewRecorder(w, nil).reconcile([]agents.Agent{
		{MachineID: "stays"},
		{MachineID: "new", RemoteAddr: "10.0.0.9:1"},
	})

	w.AssertExpectations(t)
	w.AssertNotCalled(t, "RecordLeave", "stays", mock.Anything)
}

func TestRecorderReconcileStopsOnListError(t *testing.T) {
	w := &mockWriter{}
	w.On("OpenMachines").Return([]string(nil), errors.New("db down")).Once()

	NewRecorder(w, nil).reconcile([]agents.Agent{{MachineID: "m1"}})

	w.AssertExpectations(t)
	w.AssertNumberOfCalls(t, "RecordJoin", 0)
}
