// internal/usecase/matcher.go
package usecase

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"inference-horde/internal/domain"
	"inference-horde/internal/kudos"
	"inference-horde/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

// PopRequest is one worker poll.
type PopRequest struct {
	CheckInRequest
	// PriorityUsernames are name#id aliases whose requests the worker serves first.
	PriorityUsernames []string
}

// JobPayload is what a worker needs to run one slot.
type JobPayload struct {
	ID               uuid.UUID
	WPID             uuid.UUID
	Variant          domain.WorkerVariant
	Model            string
	Prompt           string
	Params           domain.GenerationParams
	SourceImage      string
	SourceProcessing domain.SourceProcessing
	Kudos            float64
}

// PopResult carries either a job or the reasons nothing was handed out.
type PopResult struct {
	Job                *JobPayload
	Skipped            map[string]int
	MaintenanceMessage string
}

// MatcherService pairs a polling worker with the best pending request it may serve.
type MatcherService struct {
	store    domain.Store
	registry *RegistryService
	settings *SettingsService
	cache    domain.PriorityCache
	catalog  domain.ModelCatalog
	pageSize int
	wpTTL    time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewMatcherService(
	store domain.Store,
	registry *RegistryService,
	settings *SettingsService,
	cache domain.PriorityCache,
	catalog domain.ModelCatalog,
	pageSize int,
	wpTTL time.Duration,
	clk clock.Clock,
	logger *slog.Logger,
) *MatcherService {
	return &MatcherService{
		store:    store,
		registry: registry,
		settings: settings,
		cache:    cache,
		catalog:  catalog,
		pageSize: max(pageSize, 1),
		wpTTL:    cmp.Or(wpTTL, domain.DefaultWaitingPromptTTL),
		clock:    clk,
		logger:   logger.With("component", "matcher"),
		tracer:   otel.Tracer("inference-horde-usecase"),
	}
}

// pollState is shared by both passes of one poll.
type pollState struct {
	worker  *domain.Worker
	owner   *domain.User
	env     domain.DispatchEnv
	seen    map[uuid.UUID]bool
	users   map[uint64]*domain.User
	skipped domain.SkipHistogram
}

// Pop checks the worker in and dispatches at most one slot to it.
func (s *MatcherService) Pop(ctx context.Context, req PopRequest) (*PopResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.Pop")
	defer span.End()
	span.SetAttributes(attribute.String("worker.name", req.Name), attribute.String("worker.variant", string(req.Variant)))

	start := s.clock.Now()
	res, err := s.pop(ctx, req)
	metrics.DispatchLatency.WithLabelValues(string(req.Variant)).Observe(s.clock.Since(start).Seconds())
	if err != nil {
		recordErr(span, err, "failed to pop job")
		metrics.DispatchTotal.WithLabelValues(string(req.Variant), "error").Inc()
		return nil, err
	}
	if res.Job == nil {
		metrics.DispatchTotal.WithLabelValues(string(req.Variant), "skipped").Inc()
		return res, nil
	}
	span.SetAttributes(attribute.String("pg.id", res.Job.ID.String()), attribute.String("wp.id", res.Job.WPID.String()))
	metrics.DispatchTotal.WithLabelValues(string(req.Variant), "dispatched").Inc()
	return res, nil
}

func (s *MatcherService) pop(ctx context.Context, req PopRequest) (*PopResult, error) {
	worker, owner, err := s.registry.CheckIn(ctx, req.CheckInRequest)
	if err != nil {
		return nil, err
	}
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	priority, err := s.prioritySet(owner, req.PriorityUsernames)
	if err != nil {
		return nil, err
	}
	speed, err := s.store.Workers().PerformanceAverage(ctx, worker.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read worker performance: %w", err)
	}

	st := &pollState{
		worker:  worker,
		owner:   owner,
		env:     domain.DispatchEnv{Raid: settings.Raid, Prioritized: priority, Speed: speed},
		seen:    map[uuid.UUID]bool{},
		users:   map[uint64]*domain.User{owner.ID: owner},
		skipped: domain.SkipHistogram{},
	}

	// Pass A: 优先用户的请求
	ids := make([]uint64, 0, len(priority))
	for id := range priority {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	job, err := s.scan(ctx, st, domain.DispatchQuery{UserIDs: ids})
	if err != nil || job != nil {
		return s.result(st, job), err
	}

	// Pass B: 先看优先级缓存, 再全表扫描
	cached, err := s.cache.Get(ctx, worker.Variant)
	if err != nil {
		s.logger.Warn("priority cache unavailable", "variant", worker.Variant, "error", err)
	}
	cached = slices.DeleteFunc(cached, func(id uuid.UUID) bool { return st.seen[id] })
	if len(cached) > 0 {
		job, err = s.scan(ctx, st, domain.DispatchQuery{IDs: cached})
		if err != nil || job != nil {
			return s.result(st, job), err
		}
	}
	job, err = s.scan(ctx, st, domain.DispatchQuery{})
	return s.result(st, job), err
}

func (s *MatcherService) result(st *pollState, job *JobPayload) *PopResult {
	res := &PopResult{Job: job, Skipped: st.skipped.Public()}
	if job == nil && st.worker.Maintenance {
		res.MaintenanceMessage = st.worker.MaintenanceMsg
	}
	return res
}

// prioritySet resolves the caller and the requested aliases into owner ids.
func (s *MatcherService) prioritySet(owner *domain.User, aliases []string) (map[uint64]bool, error) {
	set := map[uint64]bool{owner.ID: true}
	for _, alias := range aliases {
		id, err := domain.ParseAlias(alias)
		if err != nil {
			return nil, domain.ErrBadRequest("priority username %q must be in the form name#id", alias)
		}
		set[id] = true
	}
	return set, nil
}

// scan walks pages of candidates matching base until one dispatches or the
// candidates run out. Every page is locked and served in its own transaction,
// and the next page resumes behind the last row of the previous one.
func (s *MatcherService) scan(ctx context.Context, st *pollState, base domain.DispatchQuery) (*JobPayload, error) {
	var after *domain.DispatchCursor
	for {
		var (
			job   *JobPayload
			found int
		)
		err := s.store.WithinTx(ctx, func(ctx context.Context) error {
			q := base
			q.Variant = st.worker.Variant
			q.Now = s.clock.Now().UTC()
			q.After = after
			q.Limit = s.pageSize
			page, err := s.store.WaitingPrompts().LockCandidates(ctx, q)
			if err != nil {
				return err
			}
			found = len(page)
			if found > 0 {
				after = domain.CursorOf(page[found-1])
			}
			if err := s.loadUsers(ctx, st, page); err != nil {
				return err
			}
			for _, wp := range page {
				// an earlier pass of this poll already judged it
				if st.seen[wp.ID] {
					continue
				}
				st.seen[wp.ID] = true
				ok, reason := domain.CanGenerate(st.worker, st.owner, wp, st.users[wp.UserID], st.env)
				if !ok {
					st.skipped.Add(reason)
					continue
				}
				job, err = s.dispatch(ctx, st, wp, q.Now)
				if err != nil {
					return err
				}
				if job != nil {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispatch candidates: %w", err)
		}
		if job != nil || found < s.pageSize {
			return job, nil
		}
	}
}

func (s *MatcherService) loadUsers(ctx context.Context, st *pollState, page []*domain.WaitingPrompt) error {
	var missing []uint64
	for _, wp := range page {
		if _, ok := st.users[wp.UserID]; !ok && !slices.Contains(missing, wp.UserID) {
			missing = append(missing, wp.UserID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	users, err := s.store.Users().ListByIDs(ctx, missing)
	if err != nil {
		return err
	}
	for _, u := range users {
		st.users[u.ID] = u
	}
	for _, id := range missing {
		if _, ok := st.users[id]; !ok {
			return fmt.Errorf("waiting prompt owner %d: %w", id, domain.ErrNoUser)
		}
	}
	return nil
}

// dispatch hands one slot of the locked wp to the worker. It returns nil when
// the slot was taken concurrently.
func (s *MatcherService) dispatch(ctx context.Context, st *pollState, wp *domain.WaitingPrompt, now time.Time) (*JobPayload, error) {
	w := st.worker
	model := chooseModel(w, wp)
	pg := &domain.ProcessingGen{
		ID:        uuid.New(),
		WPID:      wp.ID,
		WorkerID:  w.ID,
		Model:     model,
		State:     domain.GenStateProcessing,
		StartTime: now,
	}

	if w.EffectivelyPaused(st.owner) && w.UserID != wp.UserID {
		// 暂停的 worker 拿到诱饵任务, 不占用真实名额
		pg.Fake = true
		if err := s.store.WaitingPrompts().AddTrickedWorker(ctx, wp.ID, w.ID); err != nil {
			return nil, err
		}
		if err := s.store.Generations().Create(ctx, pg); err != nil {
			return nil, err
		}
		s.logger.Info("decoy job handed to paused worker", "worker", w.Name, "wp_id", wp.ID)
		return s.payload(wp, pg), nil
	}

	if !wp.NeedsGen() {
		return nil, nil
	}
	ok, err := s.store.WaitingPrompts().DecrementN(ctx, wp.ID, wp.N, now.Add(s.wpTTL))
	if err != nil || !ok {
		return nil, err
	}
	slot, err := s.store.Generations().NextSlot(ctx, wp.ID)
	if err != nil {
		return nil, err
	}
	pg.Slot = &slot
	if err := s.store.Generations().Create(ctx, pg); err != nil {
		return nil, err
	}
	s.logger.Debug("job dispatched", "worker", w.Name, "wp_id", wp.ID, "pg_id", pg.ID, "slot", slot, "model", model)
	return s.payload(wp, pg), nil
}

func (s *MatcherService) payload(wp *domain.WaitingPrompt, pg *domain.ProcessingGen) *JobPayload {
	params := wp.Params
	params.N = 1
	return &JobPayload{
		ID:               pg.ID,
		WPID:             wp.ID,
		Variant:          wp.Variant,
		Model:            pg.Model,
		Prompt:           wp.Prompt,
		Params:           params,
		SourceImage:      wp.SourceImage,
		SourceProcessing: wp.SourceProcessing,
		Kudos:            kudos.SlotPayout(wp, pg.Model, s.catalog),
	}
}

// chooseModel picks the first requested model the worker serves, falling back
// to the worker's own first model.
func chooseModel(w *domain.Worker, wp *domain.WaitingPrompt) string {
	for _, m := range wp.Models {
		if w.HasModel(m) {
			return m
		}
	}
	if len(w.Models) > 0 {
		return w.Models[0]
	}
	return ""
}
