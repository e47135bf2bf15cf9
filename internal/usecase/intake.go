// internal/usecase/intake.go
package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"inference-horde/internal/config"
	"inference-horde/internal/domain"
	"inference-horde/internal/kudos"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

const (
	maxImageSide     = 3072
	maxImageSteps    = 500
	maxTextLength    = 1024
	maxTextContext   = 32768
	corruptThreshold = 2
)

// SubmitRequest is a client request for any variant.
type SubmitRequest struct {
	APIKey           string
	Variant          domain.WorkerVariant
	Prompt           string
	Params           domain.GenerationParams
	Models           []string
	Workers          []string
	WorkerBlacklist  bool
	NSFW             bool
	CensorNSFW       bool
	TrustedWorkers   bool
	SlowWorkers      bool
	SourceImage      string
	SourceProcessing domain.SourceProcessing
	ClientAgent      string
	IPAddr           string
	DryRun           bool
}

type SubmitResult struct {
	ID       uuid.UUID
	Kudos    float64
	Message  string
	Warnings []string
}

// IntakeService validates and admits client requests into the queue.
type IntakeService struct {
	store    domain.Store
	auth     *Authenticator
	settings *SettingsService
	filter   domain.PromptChecker
	catalog  domain.ModelCatalog
	counter  domain.CounterMeasures
	ipCheck  domain.IPSafetyChecker
	limits   config.LimitsConfig
	anonPer  int
	dryRuns  *ttlcache.Cache[string, float64]
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewIntakeService(
	store domain.Store,
	auth *Authenticator,
	settings *SettingsService,
	filter domain.PromptChecker,
	catalog domain.ModelCatalog,
	counter domain.CounterMeasures,
	ipCheck domain.IPSafetyChecker,
	limits config.LimitsConfig,
	kudosCfg config.KudosConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *IntakeService {
	return &IntakeService{
		store:    store,
		auth:     auth,
		settings: settings,
		filter:   filter,
		catalog:  catalog,
		counter:  counter,
		ipCheck:  ipCheck,
		limits:   limits,
		anonPer:  kudosCfg.AnonConcurrencyPer,
		dryRuns: ttlcache.New(
			ttlcache.WithTTL[string, float64](limits.DryRunCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, float64](),
			ttlcache.WithCapacity[string, float64](10_000),
		),
		clock:  clk,
		logger: logger.With("component", "intake"),
		tracer: otel.Tracer("inference-horde-usecase"),
	}
}

// Submit validates req in a fixed order, failing on the first violation, and
// persists a live request.
func (s *IntakeService) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	ctx, span := s.tracer.Start(ctx, "service.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("wp.variant", string(req.Variant)), attribute.Bool("dry_run", req.DryRun))

	res, err := s.submit(ctx, req)
	if err != nil {
		recordErr(span, err, "failed to submit request")
		return SubmitResult{}, err
	}
	span.SetAttributes(attribute.String("wp.id", res.ID.String()), attribute.Float64("wp.kudos", res.Kudos))
	return res, nil
}

func (s *IntakeService) submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	settings, err := s.settings.Current(ctx)
	if err != nil {
		return SubmitResult{}, err
	}
	if settings.Maintenance {
		return SubmitResult{}, domain.ErrMaintenanceMode("Generate")
	}

	user, sharedKey, err := s.auth.UserOrSharedKey(ctx, req.APIKey, "generation")
	if err != nil {
		return SubmitResult{}, err
	}
	alias := user.Alias()

	var warnings []string
	prompt, replaced, err := s.checkPrompt(ctx, req, user)
	if err != nil {
		return SubmitResult{}, err
	}
	if replaced {
		warnings = append(warnings, "prompt was modified by the content filter")
	}

	if err := validateParams(alias, req); err != nil {
		return SubmitResult{}, err
	}
	allowed, err := s.resolveWorkers(ctx, req.Workers)
	if err != nil {
		return SubmitResult{}, err
	}

	n := max(req.Params.N, 1)
	now := s.clock.Now().UTC()
	wp := &domain.WaitingPrompt{
		ID:               uuid.New(),
		Variant:          req.Variant,
		UserID:           user.ID,
		Prompt:           prompt,
		Params:           req.Params,
		SourceImage:      req.SourceImage,
		SourceProcessing: req.SourceProcessing,
		N:                n,
		Jobs:             n,
		NSFW:             req.NSFW,
		CensorNSFW:       req.CensorNSFW,
		TrustedWorkers:   req.TrustedWorkers,
		SlowWorkers:      req.SlowWorkers,
		WorkerBlacklist:  req.WorkerBlacklist,
		Active:           true,
		ClientAgent:      req.ClientAgent,
		IPAddr:           req.IPAddr,
		CreatedAt:        now,
		Expiry:           now.Add(s.limits.WaitingPromptTTL),
		Models:           req.Models,
		Workers:          allowed,
	}
	wp.Params.N = n
	if wp.SourceImage != "" && wp.SourceProcessing == domain.SourceProcessingNone {
		wp.SourceProcessing = domain.SourceProcessingImg2Img
	}
	if sharedKey != nil {
		wp.SharedKeyID = &sharedKey.ID
	}
	wp.Things = wp.ComputeThings()
	wp.TotalUsage = wp.Things * float64(wp.Jobs)
	wp.JobTTL = wp.ComputeJobTTL()
	wp.Kudos = kudos.SlotPayout(wp, firstModel(wp.Models), s.catalog)
	required := kudos.Estimate(wp, s.catalog)

	if req.DryRun {
		return s.dryRun(ctx, wp, required)
	}

	if err := s.checkConcurrency(ctx, user, req.Variant, req.Models, n); err != nil {
		return SubmitResult{}, err
	}

	if ttl, err := s.counter.IPTimeout(ctx, req.IPAddr); err != nil {
		return SubmitResult{}, fmt.Errorf("failed to read ip timeout: %w", err)
	} else if ttl > 0 {
		return SubmitResult{}, domain.ErrTimeoutIP(req.IPAddr, int64(ttl.Seconds()), "Client")
	}

	if err := s.checkUpfront(ctx, wp, user, sharedKey, required); err != nil {
		return SubmitResult{}, err
	}

	if sharedKey != nil {
		if rc := sharedKey.Validate(req.Variant, wp.Params); rc != "" {
			return SubmitResult{}, domain.ErrSharedKeyLimit(rc, sharedKey.ID.String())
		}
		if sharedKey.IsExpired(now) {
			return SubmitResult{}, domain.ErrSharedKeyExpired(sharedKey.ID.String())
		}
	}

	wp.SafeIP = s.clientIPSafe(ctx, user, req.IPAddr)
	// 持有用户行锁重新检查并发, 避免并行提交同时越过上限
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.Users().GetForUpdate(ctx, user.ID); err != nil {
			return err
		}
		if err := s.checkConcurrency(ctx, user, req.Variant, req.Models, n); err != nil {
			return err
		}
		return s.store.WaitingPrompts().Create(ctx, wp)
	})
	if err != nil {
		if _, ok := domain.AsAPIError(err); ok {
			return SubmitResult{}, err
		}
		return SubmitResult{}, fmt.Errorf("failed to persist request: %w", err)
	}
	s.logger.Info("request admitted", "wp_id", wp.ID, "user", alias, "variant", wp.Variant,
		"n", wp.N, "things", wp.Things, "kudos", required)
	return SubmitResult{ID: wp.ID, Kudos: required, Warnings: warnings}, nil
}

// checkPrompt runs the size and content checks and returns the prompt to store.
func (s *IntakeService) checkPrompt(ctx context.Context, req SubmitRequest, user *domain.User) (string, bool, error) {
	alias := user.Alias()
	prompt := req.Prompt
	if req.Variant == domain.VariantInterrogation {
		if req.SourceImage == "" {
			return "", false, domain.ErrBadRequest("%s: interrogation requests need a source_image", alias)
		}
		return prompt, false, nil
	}
	if prompt == "" {
		return "", false, domain.ErrMissingPrompt(alias)
	}
	if len(prompt) > s.limits.MaxPromptLength {
		return "", false, domain.ErrInvalidPromptSize(alias, s.limits.MaxPromptLength)
	}

	replaced := false
	if req.Variant == domain.VariantImage {
		score, _ := s.filter.Check(prompt)
		if score >= corruptThreshold {
			if s.limits.ReplacementFilter && len(prompt) <= s.limits.MaxReplacementPromptLength {
				if clean, ok := s.filter.Sanitize(prompt); ok {
					prompt, replaced = clean, true
				}
			}
			if !replaced {
				s.punishCorruptPrompt(ctx, user, req.IPAddr)
				return "", false, domain.ErrCorruptPrompt(alias)
			}
		}
		if s.anyNSFWModel(req.Models) {
			clean, ok := s.filter.Sanitize(prompt)
			if !ok {
				return "", false, domain.ErrNSFWModelPrompt(alias)
			}
			replaced = replaced || clean != prompt
			prompt = clean
		}
	}
	return prompt, replaced, nil
}

func (s *IntakeService) punishCorruptPrompt(ctx context.Context, user *domain.User, ip string) {
	// 版主不做 IP 封禁, 方便测试过滤规则
	if user.Moderator() {
		return
	}
	if !user.IsAnon() {
		err := s.store.Suspicions().Add(ctx, &domain.Suspicion{
			SubjectKind: domain.SubjectUser,
			SubjectID:   fmt.Sprint(user.ID),
			Reason:      domain.SuspicionCorruptPrompt,
			CreatedAt:   s.clock.Now().UTC(),
		})
		if err != nil {
			s.logger.Error("failed to record user suspicion", "user", user.Alias(), "error", err)
		}
	}
	if ip == "" {
		return
	}
	if timeout, err := s.counter.ReportSuspicion(ctx, ip); err != nil {
		s.logger.Error("failed to put ip in timeout", "ip", ip, "error", err)
	} else {
		s.logger.Warn("corrupt prompt", "user", user.Alias(), "ip", ip, "timeout", timeout)
	}
}

func (s *IntakeService) anyNSFWModel(models []string) bool {
	for _, m := range models {
		if p, ok := s.catalog.Params(domain.VariantImage, m); ok && p.NSFW {
			return true
		}
	}
	return false
}

func validateParams(alias string, req SubmitRequest) error {
	if err := req.Variant.Validate(); err != nil {
		return domain.ErrBadRequest("%s: %v", alias, err)
	}
	p := req.Params
	if p.N < 0 || p.N > 20 {
		return domain.ErrBadRequest("%s: n must be between 1 and 20", alias)
	}
	switch req.Variant {
	case domain.VariantImage:
		for _, side := range []int{p.Width, p.Height} {
			if side < 64 || side > maxImageSide || side%64 != 0 {
				return domain.ErrInvalidSize(alias)
			}
		}
		if p.Steps < 1 {
			return domain.ErrBadRequest("%s: steps must be positive", alias)
		}
		if p.Steps > maxImageSteps {
			return domain.ErrTooManySteps(alias, p.Steps)
		}
		if len(p.Loras) > 5 {
			return domain.ErrBadRequest("%s: too many loras, maximum is 5", alias)
		}
	case domain.VariantText:
		if p.MaxLength < 1 || p.MaxLength > maxTextLength {
			return domain.ErrBadRequest("%s: max_length must be between 1 and %d", alias, maxTextLength)
		}
		if p.MaxContextLength < 0 || p.MaxContextLength > maxTextContext {
			return domain.ErrBadRequest("%s: max_context_length must be at most %d", alias, maxTextContext)
		}
	case domain.VariantInterrogation:
		if len(p.Forms) == 0 {
			return domain.ErrBadRequest("%s: at least one interrogation form is required", alias)
		}
		for _, f := range p.Forms {
			if !slices.Contains(domain.InterrogationForms, f) {
				return domain.ErrBadRequest("%s: unknown interrogation form %q", alias, f)
			}
		}
	}
	return nil
}

func (s *IntakeService) resolveWorkers(ctx context.Context, ids []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, domain.ErrWorkerNotFound(raw)
		}
		if _, err := s.store.Workers().Get(ctx, id); err != nil {
			if errors.Is(err, domain.ErrNoWorker) {
				return nil, domain.ErrWorkerNotFound(raw)
			}
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// checkConcurrency bounds the undispatched slots a user may hold. Anonymous
// requests for named models scale with the workers serving those models.
func (s *IntakeService) checkConcurrency(ctx context.Context, user *domain.User, variant domain.WorkerVariant, models []string, n int) error {
	var scope domain.WorkerVariant
	if user.IsAnon() {
		scope = variant
	}
	waiting, err := s.store.WaitingPrompts().SumWaiting(ctx, user.ID, scope)
	if err != nil {
		return fmt.Errorf("failed to count waiting requests: %w", err)
	}
	limit := int64(user.Concurrency)
	if user.IsAnon() && len(models) > 0 {
		online, err := s.store.Workers().ListOnline(ctx, variant, s.clock.Now().UTC().Add(-domain.StaleWorkerTTL))
		if err != nil {
			return err
		}
		serving := 0
		for _, w := range online {
			if slices.ContainsFunc(models, w.HasModel) {
				serving++
			}
		}
		limit = int64(serving * s.anonPer)
	}
	if waiting+int64(n) > limit {
		return domain.ErrTooManyPrompts(user.Alias(), waiting+int64(n), limit)
	}
	return nil
}

func (s *IntakeService) checkUpfront(ctx context.Context, wp *domain.WaitingPrompt, user *domain.User, key *domain.SharedKey, required float64) error {
	totals, err := s.store.WaitingPrompts().QueueTotals(ctx, wp.Variant, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to read queue totals: %w", err)
	}
	threads, err := s.onlineThreads(ctx, wp.Variant)
	if err != nil {
		return err
	}
	if needs, _ := wp.RequiresUpfront(totals.QueuedRequests, threads); needs && user.Kudos < required {
		return domain.ErrKudosUpfront(required, user.Alias())
	}
	if key != nil && !key.CanAfford(required) {
		return domain.ErrSharedKeyEmpty(key.ID.String())
	}
	return nil
}

func (s *IntakeService) onlineThreads(ctx context.Context, variant domain.WorkerVariant) (int64, error) {
	online, err := s.store.Workers().ListOnline(ctx, variant, s.clock.Now().UTC().Add(-domain.StaleWorkerTTL))
	if err != nil {
		return 0, fmt.Errorf("failed to list online workers: %w", err)
	}
	var threads int64
	for _, w := range online {
		threads += int64(max(w.Threads, 1))
	}
	return threads, nil
}

// clientIPSafe marks where a request came from. Untrusted workers never serve
// requests from unsafe addresses of untrusted users.
func (s *IntakeService) clientIPSafe(ctx context.Context, user *domain.User, ip string) bool {
	if user.Trusted() || ip == "" {
		return true
	}
	safe, err := s.ipCheck.IsSafe(ctx, ip)
	if err != nil {
		s.logger.Debug("client ip safety unknown", "ip", ip, "error", err)
		return false
	}
	return safe
}

// dryRun estimates a request by creating and deleting it, caching the estimate
// under a hash of its parameters.
func (s *IntakeService) dryRun(ctx context.Context, wp *domain.WaitingPrompt, required float64) (SubmitResult, error) {
	key, err := paramsHash(wp)
	if err != nil {
		return SubmitResult{}, err
	}
	if item := s.dryRuns.Get(key); item != nil {
		return SubmitResult{Kudos: item.Value()}, nil
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.store.WaitingPrompts().Create(ctx, wp); err != nil {
			return err
		}
		return s.store.WaitingPrompts().Delete(ctx, wp.ID)
	})
	if err != nil {
		return SubmitResult{}, fmt.Errorf("failed to run dry run: %w", err)
	}
	s.dryRuns.Set(key, required, ttlcache.DefaultTTL)
	return SubmitResult{Kudos: required}, nil
}

func paramsHash(wp *domain.WaitingPrompt) (string, error) {
	payload, err := json.Marshal(struct {
		Variant domain.WorkerVariant    `json:"variant"`
		Params  domain.GenerationParams `json:"params"`
		Models  []string                `json:"models"`
		Source  domain.SourceProcessing `json:"source_processing"`
	}{wp.Variant, wp.Params, wp.Models, wp.SourceProcessing})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func firstModel(models []string) string {
	if len(models) == 0 {
		return ""
	}
	return models[0]
}
