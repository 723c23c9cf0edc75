// Package sweeper runs the periodic pass that makes auto-expiration and
// revenue reconciliation reliable. Deadlines are recomputed from stored
// timestamps on every pass, so a process restart loses nothing.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/rental-meter/rental-meter/internal/logging"
	"github.com/rental-meter/rental-meter/internal/metrics"
	"github.com/rental-meter/rental-meter/pkg/models"
)

// SessionLister reads the session sets the sweeper scans
type SessionLister interface {
	ListActiveCountdown(ctx context.Context, tenantID string) ([]*models.Session, error)
	ListUnexportedTerminal(ctx context.Context) ([]*models.Session, error)
}

// Expirer terminates overdue countdown sessions
type Expirer interface {
	AutoExpire(ctx context.Context, id string) (*models.Session, error)
}

// Reconciler re-submits terminal sessions that never reached the ledger
type Reconciler interface {
	SessionFinalized(ctx context.Context, session *models.Session) error
}

// Sweeper periodically expires overdue sessions and heals unexported
// terminal sessions
type Sweeper struct {
	sessions   SessionLister
	expirer    Expirer
	reconciler Reconciler

	checkInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// Option configures the sweeper
type Option func(*Sweeper)

// WithCheckInterval sets how often sweep passes run
func WithCheckInterval(interval time.Duration) Option {
	return func(s *Sweeper) {
		s.checkInterval = interval
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = fn
	}
}

// New creates a sweeper
func New(sessions SessionLister, expirer Expirer, reconciler Reconciler, opts ...Option) *Sweeper {
	s := &Sweeper{
		sessions:      sessions,
		expirer:       expirer,
		reconciler:    reconciler,
		checkInterval: 15 * time.Second,
		logger:        slog.Default(),
		now:           time.Now,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background sweep loop
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("starting expiration sweeper",
		"check_interval", s.checkInterval.String())
	go s.run(ctx)
}

// Stop signals the loop to exit and waits for the in-flight pass
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.logger.Info("expiration sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	// Initial pass so overdue sessions from before a restart are not
	// left waiting a full interval.
	s.Sweep(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full pass: expire every overdue countdown session, then
// re-submit terminal sessions the ledger never saw. Returns the number
// of sessions expired.
func (s *Sweeper) Sweep(ctx context.Context) int {
	start := time.Now()
	expired := s.SweepExpired(ctx, "")
	s.healUnexported(ctx)
	metrics.RecordSweep(time.Since(start))

	if expired > 0 {
		s.logger.Info("sweep pass complete", "sessions_expired", expired)
	}
	return expired
}

// SweepExpired expires overdue countdown sessions, optionally scoped to
// one tenant, and returns the number of sessions transitioned
func (s *Sweeper) SweepExpired(ctx context.Context, tenantID string) int {
	candidates, err := s.sessions.ListActiveCountdown(ctx, tenantID)
	if err != nil {
		s.logger.Error("failed to list countdown sessions", "error", err)
		return 0
	}

	now := s.now()
	expired := 0
	for _, session := range candidates {
		deadline, ok := session.CountdownDeadline()
		if !ok || now.Before(deadline) {
			continue
		}

		result, err := s.expirer.AutoExpire(ctx, session.ID)
		if err != nil {
			// A concurrent stop or resume may have won; the next pass
			// re-evaluates from fresh state.
			logging.Debug(ctx, "skipped expiration",
				"session_id", session.ID, "error", err)
			continue
		}
		if result.Status == models.StatusExpired {
			expired++
		}
	}
	return expired
}

// healUnexported replays terminal sessions whose ledger export was lost
// to a crash or a transient failure
func (s *Sweeper) healUnexported(ctx context.Context) {
	sessions, err := s.sessions.ListUnexportedTerminal(ctx)
	if err != nil {
		s.logger.Error("failed to list unexported sessions", "error", err)
		return
	}

	for _, session := range sessions {
		if err := s.reconciler.SessionFinalized(ctx, session); err != nil {
			s.logger.Warn("ledger export retry failed",
				"session_id", session.ID, "error", err)
			continue
		}
		s.logger.Info("healed unexported session",
			"session_id", session.ID,
			"final_cost", session.FinalCost.String())
	}
}
