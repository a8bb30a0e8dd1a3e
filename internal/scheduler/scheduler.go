// Package scheduler turns persisted cron schedules into runtime
// submissions. At most one instance per cluster fires at a time,
// elected through the store's TTL lease; followers keep ticking and
// take over when the lease lapses.
package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"weaver/internal/logging"
	"weaver/internal/observability"
	"weaver/internal/runtime"
	"weaver/internal/store"
)

// fieldParser accepts the standard five-field crontab grammar.
var fieldParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate checks a cron expression and timezone pair without
// scheduling anything. The control surface calls it before a schedule
// entry is persisted.
func Validate(cronExpr, timezone string) error {
	if _, err := fieldParser.Parse(cronExpr); err != nil {
		return fmt.Errorf("cron expression %q: %w", cronExpr, err)
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("timezone %q: %w", timezone, err)
		}
	}
	return nil
}

// parseSchedule binds the expression to the entry's timezone so hour
// and day fields evaluate in workflow-local time. Entries without a
// timezone evaluate in UTC; the server's local zone must never leak
// into fire instants shared across nodes.
func parseSchedule(cronExpr, timezone string) (cron.Schedule, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	return fieldParser.Parse("CRON_TZ=" + timezone + " " + cronExpr)
}

// Enqueuer hands due fires to the runtime.
type Enqueuer interface {
	Enqueue(ctx context.Context, req runtime.SubmitRequest) (string, error)
}

// Observer receives scheduler events. The orchestrator plugs a
// Prometheus-backed implementation in; everything here must be cheap
// and non-blocking.
type Observer interface {
	Fired(workflowID string)
	Skipped(workflowID, reason string, slots int64)
	Leadership(leading bool)
}

// Skip reasons reported to the observer.
const (
	SkipDedup      = "dedup"
	SkipCoalesced  = "coalesced"
	SkipOverloaded = "overloaded"
)

type nopObserver struct{}

func (nopObserver) Fired(string)                  {}
func (nopObserver) Skipped(string, string, int64) {}
func (nopObserver) Leadership(bool)               {}

func orNopObserver(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}

// Deps are the scheduler's collaborators.
type Deps struct {
	Store    store.Store
	Enqueuer Enqueuer
	Logger   logging.Logger
	Observer Observer
}

// Options tune the scheduler loop.
type Options struct {
	OwnerID  string        // lease identity (default: random)
	Tick     time.Duration // poll and renewal interval (default 1s)
	LeaseTTL time.Duration // lease lifetime (default 15s, floored at 3 ticks)
}

func (o Options) normalized() Options {
	if o.OwnerID == "" {
		o.OwnerID = uuid.NewString()
	}
	if o.Tick <= 0 {
		o.Tick = time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 15 * time.Second
	}
	// The lease is renewed every tick, so it must outlive several of
	// them or leadership flaps on any slow store call.
	if o.LeaseTTL < 3*o.Tick {
		o.LeaseTTL = 3 * o.Tick
	}
	return o
}

// Scheduler drives the tick loop: renew (or acquire) the lease, then
// fire every enabled entry whose next instant has passed.
type Scheduler struct {
	store    store.Store
	enqueuer Enqueuer
	log      logging.Logger
	observer Observer
	opts     Options
	now      func() time.Time

	leading  atomic.Bool
	started  atomic.Bool
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New wires a scheduler. Call Start to begin ticking.
func New(deps Deps, opts Options) *Scheduler {
	return &Scheduler{
		store:    deps.Store,
		enqueuer: deps.Enqueuer,
		log:      logging.OrNop(deps.Logger),
		observer: orNopObserver(deps.Observer),
		opts:     opts.normalized(),
		now:      time.Now,
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the tick loop. It returns immediately; the loop ends
// when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return stderrors.New("scheduler already started")
	}
	go s.run(ctx)
	return nil
}

// Stop ends the tick loop and releases the lease so the next leader
// does not wait out the TTL. Safe to call multiple times.
func (s *Scheduler) Stop() {
	if !s.started.Load() {
		return
	}
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.stopped
}

// Done returns a channel that is closed when the scheduler has fully
// stopped.
func (s *Scheduler) Done() <-chan struct{} {
	return s.stopped
}

// Leading reports whether this instance currently holds the lease.
func (s *Scheduler) Leading() bool {
	return s.leading.Load()
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	s.log.Info("scheduler started: owner=%s tick=%s lease=%s", s.opts.OwnerID, s.opts.Tick, s.opts.LeaseTTL)

	for {
		select {
		case <-ctx.Done():
			s.resign()
			return
		case <-s.quit:
			s.resign()
			return
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

// resign gives the lease back on shutdown.
func (s *Scheduler) resign() {
	defer s.log.Info("scheduler stopped: owner=%s", s.opts.OwnerID)
	if !s.leading.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.ReleaseSchedulerLease(ctx, s.opts.OwnerID); err != nil {
		s.log.Warn("releasing scheduler lease: %v", err)
	}
	s.leading.Store(false)
	s.observer.Leadership(false)
}

func (s *Scheduler) tickOnce(ctx context.Context) {
	if !s.ensureLease(ctx) {
		return
	}
	entries, err := s.store.ListScheduleEntries(ctx, true)
	if err != nil {
		s.log.Error("listing schedule entries: %v", err)
		return
	}
	now := s.now()
	for _, entry := range entries {
		s.processEntry(ctx, entry, now)
	}
}

// ensureLease renews the held lease or tries to acquire a fresh one.
// Renewal happens every tick, well inside the one-third-of-TTL bound.
func (s *Scheduler) ensureLease(ctx context.Context) bool {
	if s.leading.Load() {
		ok, err := s.store.RenewSchedulerLease(ctx, s.opts.OwnerID, s.opts.LeaseTTL)
		if err != nil {
			// Transient store trouble; do not fire without a confirmed
			// lease, but keep the claim for the next tick.
			s.log.Error("renewing scheduler lease: %v", err)
			return false
		}
		if !ok {
			s.leading.Store(false)
			s.observer.Leadership(false)
			s.log.Warn("scheduler lease lost: owner=%s", s.opts.OwnerID)
			return false
		}
		return true
	}

	ok, err := s.store.AcquireSchedulerLease(ctx, s.opts.OwnerID, s.opts.LeaseTTL)
	if err != nil {
		s.log.Error("acquiring scheduler lease: %v", err)
		return false
	}
	if !ok {
		return false
	}
	s.leading.Store(true)
	s.observer.Leadership(true)
	s.log.Info("scheduler acquired leadership: owner=%s", s.opts.OwnerID)
	return true
}

func (s *Scheduler) processEntry(ctx context.Context, entry *store.ScheduleEntry, now time.Time) {
	schedule, err := parseSchedule(entry.CronExpr, entry.Timezone)
	if err != nil {
		s.log.Warn("schedule for workflow %s: %v", entry.WorkflowID, err)
		return
	}

	// A freshly created entry is armed for its next instant and never
	// fires retroactively.
	if entry.NextFireAt.IsZero() {
		entry.NextFireAt = schedule.Next(now)
		if entry.NextFireAt.IsZero() {
			s.log.Warn("schedule for workflow %s has no upcoming instant: %q", entry.WorkflowID, entry.CronExpr)
			return
		}
		if err := s.store.UpsertScheduleEntry(ctx, entry); err != nil {
			s.log.Error("arming schedule for workflow %s: %v", entry.WorkflowID, err)
			return
		}
		s.log.Debug("schedule for workflow %s armed: next=%s", entry.WorkflowID, entry.NextFireAt.UTC().Format(time.RFC3339))
		return
	}
	if entry.NextFireAt.After(now) {
		return
	}

	// The dedup key names the slot being fired, computed before the
	// entry advances so a crash in between is caught by TryRecordFire
	// on the next pass.
	slot := entry.NextFireAt
	dedupKey := slot.UTC().Format(time.RFC3339)

	// Coalesce: every further instant the window covers folds into
	// this one fire; historical slots are never replayed one by one.
	next := schedule.Next(slot)
	var skipped int64
	for !next.IsZero() && !next.After(now) {
		skipped++
		next = schedule.Next(next)
	}

	fired, err := s.store.TryRecordFire(ctx, entry.WorkflowID, dedupKey)
	if err != nil {
		// Entry not advanced; the same slot is retried next tick.
		s.log.Error("recording fire for workflow %s: %v", entry.WorkflowID, err)
		return
	}

	entry.NextFireAt = next
	entry.LastDedupKey = dedupKey
	entry.SkippedSlots += skipped

	if !fired {
		s.observer.Skipped(entry.WorkflowID, SkipDedup, 1)
		s.log.Debug("fire %s for workflow %s already claimed", dedupKey, entry.WorkflowID)
	} else {
		s.fire(ctx, entry, dedupKey, skipped)
	}

	if err := s.store.UpsertScheduleEntry(ctx, entry); err != nil {
		s.log.Error("advancing schedule for workflow %s: %v", entry.WorkflowID, err)
	}
}

func (s *Scheduler) fire(ctx context.Context, entry *store.ScheduleEntry, dedupKey string, skipped int64) {
	ctx, span := observability.StartSpan(ctx, observability.SpanSchedulerFire,
		observability.ScheduleAttrs(entry.WorkflowID, dedupKey)...)
	defer span.End()

	meta := map[string]string{"scheduledFor": dedupKey}
	if skipped > 0 {
		meta["coalescedSlots"] = strconv.FormatInt(skipped, 10)
		s.observer.Skipped(entry.WorkflowID, SkipCoalesced, skipped)
	}

	id, err := s.enqueuer.Enqueue(ctx, runtime.SubmitRequest{
		WorkflowID: entry.WorkflowID,
		Origin:     store.OriginCron,
		Priority:   store.PriorityMedium,
		Meta:       meta,
	})
	switch {
	case stderrors.Is(err, runtime.ErrOverloaded):
		// Cron fires are never queued behind a full queue; the slot is
		// spent and the drop is recorded on the entry.
		entry.DroppedFires++
		s.observer.Skipped(entry.WorkflowID, SkipOverloaded, 1)
		s.log.Warn("fire %s for workflow %s dropped: %v", dedupKey, entry.WorkflowID, err)
	case err != nil:
		s.log.Error("fire %s for workflow %s: %v", dedupKey, entry.WorkflowID, err)
	default:
		s.observer.Fired(entry.WorkflowID)
		s.log.Info("workflow %s fired: execution=%s slot=%s coalesced=%d", entry.WorkflowID, id, dedupKey, skipped)
	}
}
