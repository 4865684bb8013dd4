package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/EternisAI/overlord/internal/agents"
)

const writeTimeout = 5 * time.Second

// Writer is the part of Store the recorder needs.
type Writer interface {
	RecordJoin(ctx context.Context, mid, remoteAddr string, props map[string]any, at time.Time) (string, error)
	RecordLeave(ctx context.Context, mid string, at time.Time) error
	OpenMachines(ctx context.Context) ([]string, error)
}

// Recorder writes registry joins and leaves to the connection history.
type Recorder struct {
	store  Writer
	logger *slog.Logger
}

func NewRecorder(store Writer, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger.With("component", "audit")}
}

// Run records registry events in the background until ctx is done or the
// registry is closed; the returned channel is closed then. Write failures
// are logged and never stall the registry.
func (r *Recorder) Run(ctx context.Context, registry *agents.Registry) <-chan struct{} {
	return registry.Follow(ctx, r.record, func() {
		r.reconcile(registry.List())
	})
}

// reconcile brings open rows in line with the live agents after events were
// lost: rows of departed devices are closed and live devices without an
// open row get one.
func (r *Recorder) reconcile(live []agents.Agent) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	open, err := r.store.OpenMachines(ctx)
	if err != nil {
		r.logger.Error("Failed to list open connections", "error", err)
		return
	}
	openSet := make(map[string]bool, len(open))
	for _, mid := range open {
		openSet[mid] = true
	}

	now := time.Now()
	liveSet := make(map[string]bool, len(live))
	for _, a := range live {
		liveSet[a.MachineID] = true
		if openSet[a.MachineID] {
			continue
		}
		if _, err := r.store.RecordJoin(ctx, a.MachineID, a.RemoteAddr, a.Properties, a.ConnectedAt); err != nil {
			r.logger.Error("Failed to record join", "machine_id", a.MachineID, "error", err)
		}
	}
	for _, mid := range open {
		if liveSet[mid] {
			continue
		}
		if err := r.store.RecordLeave(ctx, mid, now); err != nil {
			r.logger.Error("Failed to record leave", "machine_id", mid, "error", err)
		}
	}
	r.logger.Info("Reconciled connection history", "live", len(live), "open", len(open))
}

func (r *Recorder) record(ev agents.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	a := ev.Agent
	switch ev.Type {
	case agents.EventJoined:
		if _, err := r.store.RecordJoin(ctx, a.MachineID, a.RemoteAddr, a.Properties, a.ConnectedAt); err != nil {
			r.logger.Error("Failed to record join", "machine_id", a.MachineID, "error", err)
		}
	case agents.EventLeft:
		if err := r.store.RecordLeave(ctx, a.MachineID, time.Now()); err != nil {
			r.logger.Error("Failed to record leave", "machine_id", a.MachineID, "error", err)
		}
	}
}
