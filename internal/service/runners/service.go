// Package runners implements the board's mutation operations.
//
// Every operation is a single Store.WriteAtomic pass: validation, the
// read of the current snapshot and the write of the next one happen as one
// unit, so the rule "at most one runner in queue" holds at every committed
// version no matter how many callers race. The hub, the REST handlers and
// the MCP tools all go through this service.
package runners

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/storage"
	"github.com/ashita-ai/tasuki/internal/telemetry"
)

// DefaultActor is recorded when a caller does not identify itself.
const DefaultActor = "api"

// DefaultEventsLimit is used by Events when limit is not positive.
const DefaultEventsLimit = 100

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source (unix milliseconds).
func WithClock(now func() int64) Option {
	return func(s *Service) { s.now = now }
}

// WithIDFunc overrides runner and event id generation.
func WithIDFunc(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithRemoveDoneOnly restricts single removals to runners in done.
func WithRemoveDoneOnly(on bool) Option {
	return func(s *Service) { s.removeDoneOnly = on }
}

// Service applies mutations to the board.
type Service struct {
	store  storage.Store
	events storage.EventLog
	logger *slog.Logger

	now            func() int64
	newID          func() string
	removeDoneOnly bool

	mutations metric.Int64Counter
	failures  metric.Int64Counter
}

// New creates a Service. events may be nil, in which case no audit trail
// is kept.
func New(store storage.Store, events storage.EventLog, logger *slog.Logger, opts ...Option) *Service {
	meter := telemetry.Meter("tasuki/runners")
	mutations, _ := meter.Int64Counter("tasuki.mutations",
		metric.WithDescription("Committed board mutations"),
	)
	failures, _ := meter.Int64Counter("tasuki.mutation.failures",
		metric.WithDescription("Rejected or failed board mutations"),
	)
	s := &Service{
		store:     store,
		events:    events,
		logger:    logger,
		now:       func() int64 { return time.Now().UnixMilli() },
		newID:     func() string { return uuid.NewString() },
		mutations: mutations,
		failures:  failures,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddResult is the outcome of AddRunner.
type AddResult struct {
	Runner  model.Runner
	Version uint64
}

// MoveResult is the outcome of MoveRunner. Evicted holds runners pushed
// from queue to done by the same commit, sorted by id.
type MoveResult struct {
	Runner  model.Runner
	From    model.Status
	To      model.Status
	Evicted []model.Runner
	Version uint64
}

// RemoveResult is the outcome of RemoveRunner.
type RemoveResult struct {
	ID      string
	Version uint64
}

// RemoveAllResult is the outcome of RemoveAllByStatus. IDs is sorted and
// may be empty.
type RemoveAllResult struct {
	IDs     []string
	Status  model.Status
	Version uint64
}

// AddRunner creates a runner in warming.
func (s *Service) AddRunner(ctx context.Context, name, actor string) (AddResult, error) {
	name, err := model.NormalizeName(name)
	if err != nil {
		return AddResult{}, s.reject(ctx, model.EventAdd, fmt.Errorf("%w: %s", ErrNameTooLong, err))
	}
	if name == "" {
		return AddResult{}, s.reject(ctx, model.EventAdd, ErrNameRequired)
	}
	actor = actorOr(actor)

	var added model.Runner
	snap, err := s.store.WriteAtomic(ctx, func(snap *model.Snapshot) error {
		id := s.newID()
		for snap.Runners[id].ID != "" {
			id = s.newID()
		}
		added = model.Runner{
			ID:             id,
			Name:           name,
			Status:         model.StatusWarming,
			StartTS:        s.now(),
			CreatedBy:      actor,
			LastModifiedBy: actor,
		}
		snap.Runners[id] = added
		return nil
	})
	if err != nil {
		return AddResult{}, s.reject(ctx, model.EventAdd, fmt.Errorf("runners: add: %w", err))
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("tasuki.runner_id", added.ID))
	s.committed(ctx, model.EventAdd)
	s.audit(ctx, model.Event{
		Type:     model.EventAdd,
		RunnerID: added.ID,
		Actor:    actor,
		Data:     &model.AddData{Name: added.Name},
	})
	return AddResult{Runner: added, Version: snap.Version}, nil
}

// MoveRunner changes a runner's status. Moving into queue sends whoever
// is already queued to done within the same write.
func (s *Service) MoveRunner(ctx context.Context, id string, to model.Status, actor string) (MoveResult, error) {
	if !to.Valid() {
		return MoveResult{}, s.reject(ctx, model.EventMove, fmt.Errorf("%w: %q", ErrInvalidStatus, to))
	}
	actor = actorOr(actor)

	var res MoveResult
	snap, err := s.store.WriteAtomic(ctx, func(snap *model.Snapshot) error {
		res = MoveResult{To: to}
		r, ok := snap.Runners[id]
		if !ok {
			return ErrNotFound
		}
		res.From = r.Status
		if !model.CanTransition(r.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
		}
		now := s.now()

		if to == model.StatusQueue {
			queued := snap.WithStatus(model.StatusQueue)
			slices.Sort(queued)
			for _, other := range queued {
				if other == id {
					continue
				}
				ev := snap.Runners[other]
				ev.Status = model.StatusDone
				if ev.EndTS == nil {
					ev.EndTS = &now
				}
				ev.LastModifiedBy = actor
				snap.Runners[other] = ev
				res.Evicted = append(res.Evicted, ev.Clone())
			}
		}

		r.Status = to
		switch to {
		case model.StatusQueue:
			if r.QueueTS == nil {
				r.QueueTS = &now
			}
		case model.StatusDone:
			if r.EndTS == nil {
				r.EndTS = &now
			}
		}
		r.LastModifiedBy = actor
		snap.Runners[id] = r
		res.Runner = r.Clone()
		return nil
	})
	if err != nil {
		return MoveResult{}, s.reject(ctx, model.EventMove, fmt.Errorf("runners: move %s: %w", id, err))
	}
	res.Version = snap.Version

	s.committed(ctx, model.EventMove)
	evicted := make([]string, len(res.Evicted))
	for i, r := range res.Evicted {
		evicted[i] = r.ID
	}
	s.audit(ctx, model.Event{
		Type:     model.EventMove,
		RunnerID: id,
		Actor:    actor,
		Data:     &model.MoveData{From: res.From, To: to, Evicted: evicted},
	})
	if len(evicted) > 0 {
		s.logger.Info("runners: queue handoff", "runner_id", id, "evicted", evicted)
	}
	return res, nil
}

// RemoveRunner deletes a runner.
func (s *Service) RemoveRunner(ctx context.Context, id, actor string) (RemoveResult, error) {
	actor = actorOr(actor)

	var removed model.Runner
	snap, err := s.store.WriteAtomic(ctx, func(snap *model.Snapshot) error {
		r, ok := snap.Runners[id]
		if !ok {
			return ErrNotFound
		}
		if s.removeDoneOnly && r.Status != model.StatusDone {
			return fmt.Errorf("%w: runner is %s", ErrNotRemovable, r.Status)
		}
		removed = r
		delete(snap.Runners, id)
		return nil
	})
	if err != nil {
		return RemoveResult{}, s.reject(ctx, model.EventRemove, fmt.Errorf("runners: remove %s: %w", id, err))
	}

	s.committed(ctx, model.EventRemove)
	s.audit(ctx, model.Event{
		Type:     model.EventRemove,
		RunnerID: id,
		Actor:    actor,
		Data:     &model.RemoveData{Name: removed.Name, Status: removed.Status},
	})
	return RemoveResult{ID: id, Version: snap.Version}, nil
}

// RemoveAllByStatus deletes every runner in status. It commits (and bumps
// the version) even when nothing matched.
func (s *Service) RemoveAllByStatus(ctx context.Context, status model.Status, actor string) (RemoveAllResult, error) {
	if !status.Valid() {
		return RemoveAllResult{}, s.reject(ctx, model.EventRemoveAll, fmt.Errorf("%w: %q", ErrInvalidStatus, status))
	}
	actor = actorOr(actor)

	var ids []string
	snap, err := s.store.WriteAtomic(ctx, func(snap *model.Snapshot) error {
		ids = snap.WithStatus(status)
		slices.Sort(ids)
		for _, id := range ids {
			delete(snap.Runners, id)
		}
		return nil
	})
	if err != nil {
		return RemoveAllResult{}, s.reject(ctx, model.EventRemoveAll, fmt.Errorf("runners: remove all %s: %w", status, err))
	}
	if ids == nil {
		ids = []string{}
	}

	s.committed(ctx, model.EventRemoveAll)
	s.audit(ctx, model.Event{
		Type:      model.EventRemoveAll,
		RunnerIDs: ids,
		Actor:     actor,
		Data:      &model.RemoveAllData{Status: status},
	})
	return RemoveAllResult{IDs: ids, Status: status, Version: snap.Version}, nil
}

// State returns the current snapshot.
func (s *Service) State(ctx context.Context) (model.Snapshot, error) {
	snap, err := s.store.Read(ctx)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("runners: state: %w", err)
	}
	return snap, nil
}

// Events returns up to limit audit events, newest first.
func (s *Service) Events(ctx context.Context, limit int) ([]model.Event, error) {
	if s.events == nil {
		return []model.Event{}, nil
	}
	if limit <= 0 {
		limit = DefaultEventsLimit
	}
	events, err := s.events.Recent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("runners: events: %w", err)
	}
	if events == nil {
		events = []model.Event{}
	}
	return events, nil
}

// audit appends ev to the log. Failures are logged and otherwise ignored:
// the mutation has already committed.
func (s *Service) audit(ctx context.Context, ev model.Event) {
	if s.events == nil {
		return
	}
	ev.ID = s.newID()
	ev.TS = s.now()
	if err := s.events.Append(ctx, ev); err != nil {
		s.logger.Warn("runners: audit append failed", "type", ev.Type, "error", err)
	}
}

func (s *Service) committed(ctx context.Context, kind model.EventType) {
	s.mutations.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(kind))))
}

func (s *Service) reject(ctx context.Context, kind model.EventType, err error) error {
	s.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(kind))))
	return err
}

func actorOr(actor string) string {
	if actor == "" {
		return DefaultActor
	}
	return actor
}
