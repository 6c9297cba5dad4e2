// Package core is the command processing engine: it runs state machine
// blocks against the model cache, accumulates and merges deltas, commits
// them through the persistence collaborator, and re-injects models whose
// time triggers elapse.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/klerk-framework/klerk-sub000/internal/cache"
	"github.com/klerk-framework/klerk-sub000/internal/jobs"
	"github.com/klerk-framework/klerk-sub000/pkg/domain"
	"github.com/klerk-framework/klerk-sub000/pkg/statemachine"
)

const tracerName = "github.com/klerk-framework/klerk-sub000/internal/core"

// Command outcomes reported to Metrics.
const (
	OutcomeCommitted = "committed"
	OutcomeDryRun    = "dry_run"
	OutcomeRejected  = "rejected"
)

// Time trigger results reported to Metrics.
const (
	TriggerFired   = "fired"
	TriggerSkipped = "skipped"
	TriggerCleared = "cleared"
)

// Metrics receives engine measurements.
type Metrics interface {
	CommandHandled(event, outcome string, d time.Duration)
	ModelCount(n int)
	TimeTrigger(result string)
}

type noopMetrics struct{}

func (noopMetrics) CommandHandled(string, string, time.Duration) {}
func (noopMetrics) ModelCount(int)                               {}
func (noopMetrics) TimeTrigger(string)                           {}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAuthorizer installs the authorization collaborator.
func WithAuthorizer(a domain.Authorizer) Option {
	return func(s *Service) {
		if a != nil {
			s.authorizer = a
		}
	}
}

// WithMetrics installs a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithCodec sets the payload codec used by snapshot export.
func WithCodec(c domain.PropsCodec) Option {
	return func(s *Service) {
		if c != nil {
			s.codec = c
		}
	}
}

// WithTokenTTL sets how long consumed idempotency tokens are remembered.
func WithTokenTTL(d time.Duration) Option {
	return func(s *Service) { s.tokenTTL = d }
}

// WithSchedulerInterval sets the wake period of the time trigger loop.
func WithSchedulerInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithJobRunner routes Job executables to r. Run starts r alongside the
// scheduler.
func WithJobRunner(r *jobs.Runner) Option {
	return func(s *Service) { s.jobs = r }
}

// WithMaxSteps bounds the blocks and commands processed per command.
func WithMaxSteps(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxSteps = n
		}
	}
}

// Service is the embeddable command surface of the store.
type Service struct {
	registry    *statemachine.Registry
	persistence domain.Persistence
	coord       *coordinator
	scheduler   *scheduler
	broker      *broker
	tokens      *tokenLedger
	jobs        *jobs.Runner

	logger     *slog.Logger
	now        func() time.Time
	authorizer domain.Authorizer
	metrics    Metrics
	tracer     trace.Tracer
	codec      domain.PropsCodec
	tokenTTL   time.Duration
	interval   time.Duration
	maxSteps   int
}

// New constructs a service. Start must be called before commands are
// handled against persisted data.
func New(registry *statemachine.Registry, persistence domain.Persistence, opts ...Option) (*Service, error) {
	if registry == nil {
		return nil, errors.New("core: state machine registry required")
	}
	if persistence == nil {
		return nil, errors.New("core: persistence required")
	}
	s := &Service{
		registry:    registry,
		persistence: persistence,
		coord:       newCoordinator(cache.New()),
		scheduler:   newScheduler(),
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
		authorizer:  domain.AllowAll,
		metrics:     noopMetrics{},
		tracer:      otel.Tracer(tracerName),
		codec:       domain.NewJSONCodec(),
		interval:    DefaultSchedulerInterval,
		maxSteps:    DefaultMaxSteps,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.broker = newBroker(s.logger)
	s.tokens = newTokenLedger(s.tokenTTL)
	return s, nil
}

// effects are the post-commit side effects of a delta. They run outside
// every lock.
type effects struct {
	delta   domain.Delta
	jobs    []deferredJob
	actions []func() error
	spawned []func(context.Context) error
}

// Handle processes one command. On rejection the returned error is a
// *domain.CommandError and nothing was committed.
func (s *Service) Handle(ctx context.Context, cmd domain.Command, cctx domain.CommandContext, opts domain.Options) (domain.Success, error) {
	ctx, span := s.tracer.Start(ctx, "klerk.handle", trace.WithAttributes(
		attribute.String("klerk.event", cmd.Event.String()),
		attribute.Int("klerk.model", int(cmd.Model)),
		attribute.Bool("klerk.dry_run", opts.DryRun),
	))
	defer span.End()

	start := time.Now()
	var (
		res domain.Success
		eff *effects
		err error
	)
	s.coord.serialize(func() {
		res, eff, err = s.handleLocked(ctx, cmd, cctx, opts)
	})
	elapsed := time.Since(start)

	if err != nil {
		s.metrics.CommandHandled(cmd.Event.String(), OutcomeRejected, elapsed)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Info("command rejected", "event", cmd.Event.String(), "model", cmd.Model, "problems", len(domain.ProblemsOf(err)), "error", err, "duration", elapsed)
		return domain.Success{}, err
	}
	outcome := OutcomeCommitted
	if opts.DryRun {
		outcome = OutcomeDryRun
	}
	s.metrics.CommandHandled(cmd.Event.String(), outcome, elapsed)
	span.SetAttributes(attribute.Int("klerk.primary_model", int(res.PrimaryModel)))
	s.logger.Debug("command handled", "event", cmd.Event.String(), "model", cmd.Model, "primary", res.PrimaryModel, "outcome", outcome, "duration", elapsed)
	if eff != nil {
		s.afterCommit(ctx, *eff)
	}
	return res, nil
}

func (s *Service) handleLocked(ctx context.Context, cmd domain.Command, cctx domain.CommandContext, opts domain.Options) (domain.Success, *effects, error) {
	if cctx.Time.IsZero() {
		cctx.Time = s.now()
	}
	if opts.Token != nil {
		if problems := s.tokens.check(*opts.Token, s.coord.reader(), cctx.Time); len(problems) > 0 {
			return domain.Success{}, nil, &domain.CommandError{Problems: problems}
		}
	}

	data := s.newProcessor(ctx, cctx).processCommand(cmd)
	if len(data.Problems) > 0 {
		return domain.Success{}, nil, &domain.CommandError{Problems: data.Problems}
	}
	delta := data.Delta()
	res := domain.Success{
		PrimaryModel: data.PrimaryModel,
		Created:      delta.Created,
		Updated:      delta.Updated,
		Deleted:      delta.Deleted,
		Transitioned: delta.Transitioned,
		Jobs:         delta.Jobs,
		Log:          delta.Log,
		Models:       delta.Models,
		DryRun:       opts.DryRun,
	}
	if opts.DryRun {
		return res, nil, nil
	}
	if err := s.commit(ctx, delta, &cmd, cctx); err != nil {
		return domain.Success{}, nil, &domain.CommandError{Problems: []domain.Problem{
			domain.NewProblem(domain.ProblemServerUnavailable, "%v", err),
		}}
	}
	if opts.Token != nil {
		s.tokens.consume(*opts.Token, cctx.Time)
	}
	return res, &effects{delta: delta, jobs: data.NewJobs, actions: data.Actions, spawned: data.UnmanagedJobs}, nil
}

func (s *Service) newProcessor(ctx context.Context, cctx domain.CommandContext) *processor {
	return &processor{
		ctx:        ctx,
		registry:   s.registry,
		base:       s.coord.reader(),
		authorizer: s.authorizer,
		logger:     s.logger,
		cctx:       cctx,
		now:        cctx.Time,
		maxSteps:   s.maxSteps,
		ids:        s.coord.newID,
	}
}

// commit persists the delta, then applies it to the cache under the write
// lock. A delta without mutations or jobs is skipped. The processing lock
// must be held.
func (s *Service) commit(ctx context.Context, delta domain.Delta, cmd *domain.Command, cctx domain.CommandContext) error {
	if delta.Empty() && len(delta.Jobs) == 0 {
		s.logger.Debug("empty delta not committed", "actor", cctx.Actor)
		return nil
	}
	if err := s.persistence.Store(ctx, delta, cmd, cctx); err != nil {
		return fmt.Errorf("persist delta: %w", err)
	}
	s.coord.apply(delta)
	s.scheduler.onDelta(delta)
	s.logger.Debug("delta committed",
		"created", len(delta.Created), "updated", len(delta.Updated),
		"deleted", len(delta.Deleted), "transitioned", len(delta.Transitioned))
	return nil
}

func (s *Service) afterCommit(ctx context.Context, eff effects) {
	s.metrics.ModelCount(s.coord.reader().Count())
	s.broker.publish(eff.delta.Notifications())

	detached := context.WithoutCancel(ctx)
	for _, job := range eff.jobs {
		if s.jobs == nil {
			s.logger.Warn("job dropped: no job runner configured", "job", job.spec.Name, "id", job.spec.ID)
			continue
		}
		if err := s.jobs.Submit(detached, job.spec, jobs.Func(job.run)); err != nil && !errors.Is(err, jobs.ErrQueueFull) {
			s.logger.Error("job submit failed", "job", job.spec.Name, "id", job.spec.ID, "error", err)
		}
	}
	for _, action := range eff.actions {
		s.safely("action", action)
	}
	for _, run := range eff.spawned {
		go s.safely("unmanaged job", func() error { return run(detached) })
	}
}

// safely runs a user closure after commit. Errors and panics are logged and
// never reach the caller.
func (s *Service) safely(what string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(what+" panicked", "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.logger.Error(what+" failed", "error", err)
	}
}

// Start loads every persisted model, rebuilds the relation index,
// reconciles time triggers with the current definitions, and seeds the
// scheduler.
func (s *Service) Start(ctx context.Context) error {
	var models []domain.Model
	err := s.persistence.ReadAllModels(ctx, func(m domain.Model) error {
		models = append(models, m)
		return nil
	})
	if err != nil {
		return fmt.Errorf("load models: %w", err)
	}

	var startErr error
	s.coord.serialize(func() {
		s.coord.load(models)
		if startErr = s.reconcileTriggers(ctx); startErr != nil {
			return
		}
		s.scheduler.init(s.allModels())
	})
	if startErr != nil {
		return startErr
	}
	n := s.coord.reader().Count()
	s.metrics.ModelCount(n)
	s.logger.Info("store started", "models", n, "scheduled", s.scheduler.len())
	return nil
}

// reconcileTriggers recomputes every model's trigger. Stored values are
// replaced when a trigger appeared, disappeared, or moved earlier; an
// overdue trigger is never pushed later.
func (s *Service) reconcileTriggers(ctx context.Context) error {
	changed := make(map[domain.ModelID]domain.Model)
	for _, m := range s.allModels() {
		if _, ok := s.registry.For(m); !ok {
			s.logger.Warn("model has no state machine", "model", m.ID, "type", m.Type())
			continue
		}
		computed := s.registry.TimeTriggerFor(m)
		stored := m.TimeTrigger
		switch {
		case stored == nil && computed == nil:
			continue
		case stored == nil, computed == nil, computed.Before(*stored):
			changed[m.ID] = m.WithTimeTrigger(computed)
			s.logger.Info("time trigger reconciled", "model", m.ID, "from", stored, "to", computed)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	delta := domain.Delta{Models: changed, Log: []string{fmt.Sprintf("reconciled %d time triggers", len(changed))}}
	return s.commit(ctx, delta, nil, domain.CommandContext{Actor: "reconcile", Time: s.now()})
}

func (s *Service) allModels() []domain.Model {
	var out []domain.Model
	_ = s.coord.read(func(domain.Reader) error {
		out = s.coord.cache.All()
		return nil
	})
	return out
}

// Run drives the time trigger loop (and the job runner, if configured)
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runScheduler(ctx) })
	if s.jobs != nil {
		g.Go(func() error { return s.jobs.Run(ctx) })
	}
	return g.Wait()
}

func (s *Service) runScheduler(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue processes every trigger that has elapsed and returns how many
// models were popped from the queue.
func (s *Service) fireDue(ctx context.Context) int {
	now := s.now()
	due := s.scheduler.due(now)
	for _, id := range due {
		if ctx.Err() != nil {
			break
		}
		s.fire(ctx, id, now)
	}
	return len(due)
}

func (s *Service) fire(ctx context.Context, id domain.ModelID, now time.Time) {
	var eff *effects
	s.coord.serialize(func() {
		m, ok := s.coord.reader().GetOrNull(id)
		if !ok || m.TimeTrigger == nil || m.TimeTrigger.After(now) {
			s.logger.Debug("time trigger skipped", "model", id)
			s.metrics.TimeTrigger(TriggerSkipped)
			return
		}
		cctx := domain.CommandContext{Actor: "scheduler", Time: now}
		data := s.newProcessor(ctx, cctx).processTimeTrigger(id)
		if len(data.Problems) > 0 {
			s.logger.Warn("time trigger failed, clearing", "model", id, "problems", len(data.Problems), "first", data.Problems[0].String())
			delta := domain.Delta{
				Models: map[domain.ModelID]domain.Model{id: m.WithTimeTrigger(nil)},
				Log:    []string{fmt.Sprintf("time trigger of %d cleared: %s", id, data.Problems[0].String())},
			}
			if err := s.commit(ctx, delta, nil, cctx); err != nil {
				s.logger.Error("clearing time trigger failed", "model", id, "error", err)
				return
			}
			s.metrics.TimeTrigger(TriggerCleared)
			return
		}
		delta := data.Delta()
		if err := s.commit(ctx, delta, nil, cctx); err != nil {
			s.logger.Error("time trigger commit failed", "model", id, "error", err)
			return
		}
		s.logger.Debug("time trigger fired", "model", id, "log", delta.Log)
		s.metrics.TimeTrigger(TriggerFired)
		eff = &effects{delta: delta, jobs: data.NewJobs, actions: data.Actions, spawned: data.UnmanagedJobs}
	})
	if eff != nil {
		s.afterCommit(ctx, *eff)
	}
}

// Read runs fn against the committed models under a read-mode acquisition.
func (s *Service) Read(_ context.Context, fn func(domain.Reader) error) error {
	return s.coord.read(fn)
}

// Get returns a committed model.
func (s *Service) Get(id domain.ModelID) (domain.Model, error) {
	return s.coord.reader().Get(id)
}

// Subscribe returns a stream of notifications for committed deltas and a
// function that ends the subscription. Notifications are dropped for
// subscribers whose buffer is full.
func (s *Service) Subscribe(buffer int) (<-chan domain.Notification, func()) {
	return s.broker.subscribe(buffer)
}

// AuditLog reads committed audit entries from persistence.
func (s *Service) AuditLog(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	return s.persistence.ReadAuditLog(ctx, filter)
}

// Close ends every subscription and closes persistence.
func (s *Service) Close() error {
	s.broker.close()
	return s.persistence.Close()
}
