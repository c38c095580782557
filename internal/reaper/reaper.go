// Package reaper removes per-contact flow states that have been idle
// too long, on a cron schedule. A contact whose state was reaped starts
// from flow triggering on their next message.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultSchedule sweeps every 15 minutes.
	DefaultSchedule = "*/15 * * * *"
	// DefaultMaxIdle is how long a state may go without an update before
	// it is reaped.
	DefaultMaxIdle = 24 * time.Hour
)

// Store is the persistence slice the reaper needs.
type Store interface {
	DeleteInactiveFlowStates(olderThan time.Time) ([]models.ContactFlowState, error)
}

// Notifier optionally informs reaped contacts that their conversation
// expired. Satisfied by the messaging dispatcher.
type Notifier interface {
	DispatchAll(ctx context.Context, actions []models.OutboundAction)
}

// Opts holds reaper configuration.
type Opts struct {
	Schedule   string
	MaxIdle    time.Duration
	Notifier   Notifier
	ExpiryText string
}

// Option configures the reaper.
type Option func(*Opts)

// WithSchedule sets the cron expression for sweeps.
func WithSchedule(expr string) Option {
	return func(o *Opts) { o.Schedule = expr }
}

// WithMaxIdle sets the idle cutoff.
func WithMaxIdle(d time.Duration) Option {
	return func(o *Opts) { o.MaxIdle = d }
}

// WithNotifier sends the given text to each reaped contact.
func WithNotifier(n Notifier, text string) Option {
	return func(o *Opts) {
		o.Notifier = n
		o.ExpiryText = text
	}
}

// Reaper runs the scheduled sweep.
type Reaper struct {
	store Store
	cfg   Opts
	cron  *cron.Cron
	now   func() time.Time
}

// New creates a reaper over the given store.
func New(s Store, opts ...Option) *Reaper {
	cfg := Opts{Schedule: DefaultSchedule, MaxIdle: DefaultMaxIdle}
	for _, opt := range opts {
		opt(&cfg)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	return &Reaper{store: s, cfg: cfg, cron: c, now: time.Now}
}

// Start schedules the sweep and starts the cron runner.
func (r *Reaper) Start() error {
	if _, err := r.cron.AddFunc(r.cfg.Schedule, func() { r.Sweep(context.Background()) }); err != nil {
		return err
	}
	r.cron.Start()
	slog.Info("State reaper started", "schedule", r.cfg.Schedule, "max_idle", r.cfg.MaxIdle)
	return nil
}

// Stop stops the cron runner and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	slog.Info("State reaper stopped")
}

// Sweep removes all states idle past the cutoff and notifies the
// affected contacts when a notifier is configured.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := r.now().Add(-r.cfg.MaxIdle)
	removed, err := r.store.DeleteInactiveFlowStates(cutoff)
	if err != nil {
		slog.Error("State sweep failed", "error", err)
		return
	}
	if len(removed) == 0 {
		slog.Debug("State sweep found nothing to reap")
		return
	}
	slog.Info("Reaped inactive flow states", "count", len(removed), "cutoff", cutoff)

	if r.cfg.Notifier == nil || r.cfg.ExpiryText == "" {
		return
	}
	actions := make([]models.OutboundAction, 0, len(removed))
	for _, st := range removed {
		actions = append(actions, models.OutboundAction{
			Recipient:   st.ContactID,
			MessageType: models.MessageTypeText,
			Payload:     map[string]any{"body": r.cfg.ExpiryText},
		})
	}
	r.cfg.Notifier.DispatchAll(ctx, actions)
}
