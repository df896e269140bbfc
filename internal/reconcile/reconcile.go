// Package reconcile sweeps for stale state on an external schedule: it
// times out overdue active sessions into awaiting_confirmation and
// releases held escrows past their auto-release deadline. Both sweeps
// are idempotent; the status guards at the storage layer make a re-run
// against an already-transitioned row a no-op.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/velora-app/velora/internal/escrow"
	"github.com/velora-app/velora/internal/session"
)

const sweepBatchSize = 200

// Sessions is the slice of the session service the worker drives.
type Sessions interface {
	ListActivePastDeadline(ctx context.Context, before time.Time, limit int) ([]*session.Session, error)
	RequestConfirmation(ctx context.Context, ref string) (bool, error)
}

// Escrows is the slice of the escrow service the worker drives.
type Escrows interface {
	ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*escrow.Escrow, error)
	Release(ctx context.Context, ref string) (*escrow.Escrow, error)
}

// Effects applies type-specific pre-release side effects, e.g. granting
// gallery access before an access-fee escrow releases.
type Effects interface {
	ReleaseEffects(ctx context.Context, e *escrow.Escrow) error
}

// Report summarizes one reconciliation run.
type Report struct {
	SessionsMarked  int           `json:"sessionsMarked"`
	EscrowsReleased int           `json:"escrowsReleased"`
	Errors          int           `json:"errors"`
	RanAt           time.Time     `json:"ranAt"`
	Duration        time.Duration `json:"duration"`
}

// Worker runs the reconciliation sweeps.
type Worker struct {
	sessions   Sessions
	escrows    Escrows
	effects    Effects
	heartbeats HeartbeatStore
	logger     *slog.Logger
	manualOnly bool
}

// NewWorker creates a reconciliation worker.
func NewWorker(sessions Sessions, escrows Escrows, effects Effects, heartbeats HeartbeatStore, logger *slog.Logger) *Worker {
	return &Worker{
		sessions:   sessions,
		escrows:    escrows,
		effects:    effects,
		heartbeats: heartbeats,
		logger:     logger,
	}
}

// WithManualReleaseOnly disables the escrow auto-release sweep; only the
// session confirmation sweep runs.
func (w *Worker) WithManualReleaseOnly(manual bool) *Worker {
	w.manualOnly = manual
	return w
}

// Run executes both sweeps once. A failure on one row never blocks the
// rest; failures are counted and logged. The run is recorded as a
// heartbeat so operators can see the worker is alive.
func (w *Worker) Run(ctx context.Context) (*Report, error) {
	started := time.Now()
	report := &Report{RanAt: started}

	w.sweepSessions(ctx, report)
	if !w.manualOnly {
		w.sweepEscrows(ctx, report)
	}

	report.Duration = time.Since(started)
	sessionsMarked.Set(float64(report.SessionsMarked))
	escrowsReleased.Set(float64(report.EscrowsReleased))
	runDuration.Observe(report.Duration.Seconds())

	if w.heartbeats != nil {
		if err := w.heartbeats.Record(ctx, &Heartbeat{
			RanAt:           report.RanAt,
			SessionsMarked:  report.SessionsMarked,
			EscrowsReleased: report.EscrowsReleased,
			Errors:          report.Errors,
			Duration:        report.Duration,
		}); err != nil {
			w.logger.Warn("failed to record worker heartbeat", "error", err)
		}
	}

	w.logger.Info("reconciliation run complete",
		"sessions_marked", report.SessionsMarked,
		"escrows_released", report.EscrowsReleased,
		"errors", report.Errors,
		"duration", report.Duration)
	return report, nil
}

// sweepSessions moves overdue active sessions to awaiting_confirmation
// and pings both parties. It never auto-completes: only mutual
// confirmation or an explicit end settles a session.
func (w *Worker) sweepSessions(ctx context.Context, report *Report) {
	overdue, err := w.sessions.ListActivePastDeadline(ctx, time.Now(), sweepBatchSize)
	if err != nil {
		w.logger.Error("session sweep listing failed", "error", err)
		report.Errors++
		runErrors.Inc()
		return
	}

	for _, ses := range overdue {
		moved, err := w.sessions.RequestConfirmation(ctx, ses.Ref)
		if err != nil {
			w.logger.Warn("failed to mark session for confirmation", "session", ses.Ref, "error", err)
			report.Errors++
			runErrors.Inc()
			continue
		}
		if moved {
			report.SessionsMarked++
		}
	}
}

// sweepEscrows releases held escrows past their auto-release deadline,
// applying the pre-release effects first.
func (w *Worker) sweepEscrows(ctx context.Context, report *Report) {
	due, err := w.escrows.ListAutoReleasable(ctx, time.Now(), sweepBatchSize)
	if err != nil {
		w.logger.Error("escrow sweep listing failed", "error", err)
		report.Errors++
		runErrors.Inc()
		return
	}

	for _, esc := range due {
		if w.effects != nil {
			if err := w.effects.ReleaseEffects(ctx, esc); err != nil {
				w.logger.Warn("pre-release effects failed", "escrow", esc.Ref, "error", err)
				report.Errors++
				runErrors.Inc()
				continue
			}
		}
		if _, err := w.escrows.Release(ctx, esc.Ref); err != nil {
			w.logger.Warn("auto-release failed", "escrow", esc.Ref, "error", err)
			report.Errors++
			runErrors.Inc()
			continue
		}
		report.EscrowsReleased++
	}
}
