// internal/usecase/registry.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"inference-horde/internal/config"
	"inference-horde/internal/domain"
	"inference-horde/internal/kudos"
	"inference-horde/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"
)

const (
	maxWorkerModels    = 200
	longWorkerName     = 100
	extremeWorkerName  = 200
	extremeMaxPixels   = 3072 * 3072
	defaultImageModel  = "stable_diffusion"
	defaultWorkerPixel = 512 * 512
)

var colabMarkers = []string{"colab", "tpu", "google"}

// CheckInRequest is what a polling worker declares about itself.
type CheckInRequest struct {
	APIKey              string
	Name                string
	Variant             domain.WorkerVariant
	Models              []string
	NSFW                bool
	Blacklist           []string
	MaxPixels           int
	MaxLength           int
	MaxContextLength    int
	Threads             int
	AllowImg2Img        bool
	AllowPainting       bool
	AllowControlNet     bool
	AllowPostProcessing bool
	AllowLora           bool
	AllowUnsafeIPAddr   bool
	RequireUpfrontKudos bool
	Forms               []string
	BridgeAgent         string
	IPAddr              string
}

// RegistryService keeps worker identities and capabilities current.
type RegistryService struct {
	store    domain.Store
	auth     *Authenticator
	settings *SettingsService
	filter   domain.PromptChecker
	catalog  domain.ModelCatalog
	counter  domain.CounterMeasures
	ipCheck  domain.IPSafetyChecker
	limits   config.LimitsConfig
	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
}

func NewRegistryService(
	store domain.Store,
	auth *Authenticator,
	settings *SettingsService,
	filter domain.PromptChecker,
	catalog domain.ModelCatalog,
	counter domain.CounterMeasures,
	ipCheck domain.IPSafetyChecker,
	limits config.LimitsConfig,
	clk clock.Clock,
	logger *slog.Logger,
) *RegistryService {
	return &RegistryService{
		store:    store,
		auth:     auth,
		settings: settings,
		filter:   filter,
		catalog:  catalog,
		counter:  counter,
		ipCheck:  ipCheck,
		limits:   limits,
		clock:    clk,
		logger:   logger.With("component", "registry"),
		tracer:   otel.Tracer("inference-horde-usecase"),
	}
}

// CheckIn authenticates the worker, creates it on first contact and refreshes
// its capabilities and uptime.
func (s *RegistryService) CheckIn(ctx context.Context, req CheckInRequest) (*domain.Worker, *domain.User, error) {
	ctx, span := s.tracer.Start(ctx, "service.CheckIn")
	defer span.End()
	span.SetAttributes(attribute.String("worker.name", req.Name), attribute.String("worker.variant", string(req.Variant)))

	settings, err := s.settings.Current(ctx)
	if err != nil {
		recordErr(span, err, "failed to read settings")
		return nil, nil, err
	}
	w, owner, err := s.checkIn(ctx, req, settings)
	if err != nil {
		recordErr(span, err, "failed to check in worker")
		return nil, nil, err
	}
	span.SetAttributes(attribute.String("worker.id", w.ID.String()))
	return w, owner, nil
}

func (s *RegistryService) checkIn(ctx context.Context, req CheckInRequest, settings domain.Settings) (*domain.Worker, *domain.User, error) {
	owner, err := s.auth.User(ctx, req.APIKey, "worker check-in")
	if err != nil {
		return nil, nil, err
	}
	if owner.Flagged() {
		return nil, nil, domain.ErrWorkerMaintenance("your account has been flagged, workers cannot connect")
	}
	if owner.IsAnon() {
		return nil, nil, domain.ErrAnonForbidden()
	}
	if err := req.Variant.Validate(); err != nil {
		return nil, nil, domain.ErrBadRequest("%v", err)
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, nil, domain.ErrBadRequest("worker name cannot be empty")
	}

	existing, err := s.store.Workers().FindByName(ctx, req.Name)
	switch {
	case errors.Is(err, domain.ErrNoWorker):
		existing = nil
	case err != nil:
		return nil, nil, err
	case existing.Variant != req.Variant:
		return nil, nil, domain.ErrPolymorphicNameConflict(req.Name)
	case existing.UserID != owner.ID:
		return nil, nil, domain.ErrWrongCredentials(owner.Alias(), req.Name)
	}

	if req.IPAddr != "" {
		ttl, err := s.counter.IPTimeout(ctx, req.IPAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read ip timeout: %w", err)
		}
		if ttl > 0 {
			return nil, nil, domain.ErrTimeoutIP(req.IPAddr, int64(ttl.Seconds()), "Worker")
		}
	}
	safeIP, err := s.checkIP(ctx, owner, req.IPAddr, settings)
	if err != nil {
		return nil, nil, err
	}

	models, err := s.normaliseModels(owner, req)
	if err != nil {
		return nil, nil, err
	}

	var worker *domain.Worker
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		now := s.clock.Now().UTC()
		if existing == nil {
			w, err := s.register(ctx, owner, req, settings, now)
			if err != nil {
				return err
			}
			worker = w
		} else {
			w, err := s.store.Workers().GetForUpdate(ctx, existing.ID)
			if err != nil {
				return err
			}
			if err := s.accrueUptime(ctx, w, owner, now); err != nil {
				return err
			}
			worker = w
		}
		applyCapabilities(worker, req, models)
		worker.SafeIP = safeIP
		worker.LastCheckIn = now
		if err := s.suspectClaims(ctx, worker, now); err != nil {
			return err
		}
		return s.store.Workers().Update(ctx, worker)
	})
	if err != nil {
		if _, ok := domain.AsAPIError(err); ok {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("failed to check in worker %s: %w", req.Name, err)
	}
	return worker, owner, nil
}

// checkIP decides whether the worker's address is safe. In raid mode unsafe
// workers are admitted but never receive work from untrusted users.
func (s *RegistryService) checkIP(ctx context.Context, owner *domain.User, ip string, settings domain.Settings) (bool, error) {
	if owner.Trusted() || owner.VPN() || owner.Special() || ip == "" {
		return true, nil
	}
	safe, err := s.ipCheck.IsSafe(ctx, ip)
	if errors.Is(err, domain.ErrIPCheckUnavailable) {
		return false, domain.ErrTooManyNewIPs(ip)
	}
	if err != nil {
		return false, fmt.Errorf("failed to check worker ip: %w", err)
	}
	if safe {
		return true, nil
	}
	if settings.Raid {
		s.logger.Warn("unsafe worker ip admitted during raid", "user", owner.Alias(), "ip", ip)
		return false, nil
	}
	return false, domain.ErrUnsafeIP(ip)
}

func (s *RegistryService) normaliseModels(owner *domain.User, req CheckInRequest) ([]string, error) {
	models := make([]string, 0, len(req.Models))
	for _, m := range req.Models {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	switch req.Variant {
	case domain.VariantImage:
		if len(models) == 0 {
			models = []string{defaultImageModel}
		}
	case domain.VariantText:
		if len(models) == 0 {
			return nil, domain.ErrBadRequest("%s: text workers must declare at least one model", owner.Alias())
		}
		for _, m := range models {
			// "alias::model" 形式的模型名只能由该用户自己的 worker 声明
			prefix, _, found := strings.Cut(m, "::")
			if !found {
				continue
			}
			id, err := domain.ParseAlias(prefix)
			if err != nil || id != owner.ID {
				return nil, domain.ErrBadRequest("%s: model %q is reserved for another user", owner.Alias(), m)
			}
		}
	}
	if len(models) > maxWorkerModels {
		models = models[:maxWorkerModels]
	}
	return models, nil
}

// register applies the new-worker gates and inserts the row.
func (s *RegistryService) register(ctx context.Context, owner *domain.User, req CheckInRequest, settings domain.Settings, now time.Time) (*domain.Worker, error) {
	alias := owner.Alias()
	if s.filter.IsProfane(req.Name) {
		return nil, domain.ErrProfanity(alias, req.Name, "worker name")
	}
	if req.BridgeAgent != "" && s.filter.IsProfane(req.BridgeAgent) {
		return nil, domain.ErrProfanity(alias, req.BridgeAgent, "bridge agent")
	}
	lower := strings.ToLower(req.Name)
	for _, marker := range colabMarkers {
		if strings.Contains(lower, marker) {
			return nil, domain.ErrBadRequest("%s: worker names cannot reference %s", alias, marker)
		}
	}

	count, err := s.store.Workers().CountByUser(ctx, owner.ID)
	if err != nil {
		return nil, err
	}
	if settings.InviteOnly && count >= int64(owner.WorkerInvited) {
		return nil, domain.ErrWorkerInviteOnly(count)
	}
	limit := s.limits.MaxWorkersUntrusted
	if owner.Trusted() {
		limit = s.limits.MaxWorkersTrusted
	}
	limit = max(limit, owner.WorkerInvited)
	if count >= int64(limit) {
		return nil, domain.ErrTooManyWorkers(alias, limit)
	}
	if req.IPAddr != "" {
		sameIP, err := s.store.Workers().CountByUserAndIP(ctx, owner.ID, req.IPAddr)
		if err != nil {
			return nil, err
		}
		ipLimit := s.limits.SameIPUntrusted
		if owner.Trusted() {
			ipLimit = s.limits.SameIPTrusted
		}
		if sameIP >= int64(ipLimit) {
			return nil, domain.ErrTooManySameIPs(alias)
		}
	}

	w := &domain.Worker{
		ID:          uuid.New(),
		Name:        req.Name,
		Variant:     req.Variant,
		UserID:      owner.ID,
		IPAddr:      req.IPAddr,
		LastCheckIn: now,
		CreatedAt:   now,
	}
	if err := s.store.Workers().Create(ctx, w); err != nil {
		return nil, err
	}
	if len(req.Name) > longWorkerName {
		reason := domain.SuspicionWorkerNameLong
		if len(req.Name) > extremeWorkerName {
			reason = domain.SuspicionWorkerNameExtreme
		}
		if err := s.suspect(ctx, w, reason, now); err != nil {
			return nil, err
		}
	}
	s.logger.Info("worker registered", "worker", w.Name, "worker_id", w.ID, "user", alias, "variant", w.Variant)
	return w, nil
}

func applyCapabilities(w *domain.Worker, req CheckInRequest, models []string) {
	w.Models = models
	w.NSFW = req.NSFW
	w.Blacklist = req.Blacklist
	w.Threads = max(req.Threads, 1)
	w.BridgeAgent = req.BridgeAgent
	w.IPAddr = req.IPAddr
	w.RequireUpfrontKudos = req.RequireUpfrontKudos
	switch w.Variant {
	case domain.VariantImage:
		w.MaxPixels = req.MaxPixels
		if w.MaxPixels <= 0 {
			w.MaxPixels = defaultWorkerPixel
		}
		w.AllowImg2Img = req.AllowImg2Img
		w.AllowPainting = req.AllowPainting
		w.AllowControlNet = req.AllowControlNet
		w.AllowPostProcessing = req.AllowPostProcessing
		w.AllowLora = req.AllowLora
		w.AllowUnsafeIPAddr = req.AllowUnsafeIPAddr
	case domain.VariantText:
		w.MaxLength = max(req.MaxLength, 80)
		w.MaxContextLength = max(req.MaxContextLength, 1024)
	case domain.VariantInterrogation:
		w.Forms = req.Forms
		if len(w.Forms) == 0 {
			w.Forms = []string{domain.FormCaption}
		}
	}
}

func (s *RegistryService) suspectClaims(ctx context.Context, w *domain.Worker, now time.Time) error {
	if w.Variant == domain.VariantImage && w.MaxPixels > extremeMaxPixels {
		return s.suspect(ctx, w, domain.SuspicionExtremeMaxPixels, now)
	}
	return nil
}

func (s *RegistryService) suspect(ctx context.Context, w *domain.Worker, reason domain.SuspicionReason, now time.Time) error {
	s.logger.Warn("worker suspicion", "worker", w.Name, "reason", reason.String())
	return s.store.Suspicions().Add(ctx, &domain.Suspicion{
		SubjectKind: domain.SubjectWorker,
		SubjectID:   w.ID.String(),
		Reason:      reason,
		CreatedAt:   now,
	})
}

// accrueUptime adds the time since the last check-in while the worker stayed
// online and pays one reward per completed window. Coming back from stale
// restarts the window.
func (s *RegistryService) accrueUptime(ctx context.Context, w *domain.Worker, owner *domain.User, now time.Time) error {
	if w.IsStale(now) {
		w.LastRewardUptime = w.Uptime
		return nil
	}
	w.Uptime += int64(now.Sub(w.LastCheckIn).Seconds())
	if w.Uptime-w.LastRewardUptime <= domain.UptimeRewardWindow {
		return nil
	}
	reward := kudos.UptimeReward(w, s.catalog)
	spendable, evaluating := kudos.Split(reward, owner.Trusted())
	if err := s.store.Users().AddKudos(ctx, owner.ID, spendable, owner.MinKudos()); err != nil {
		return err
	}
	if evaluating > 0 {
		if err := s.store.Users().AddEvaluatingKudos(ctx, owner.ID, evaluating); err != nil {
			return err
		}
	}
	if err := s.store.Workers().AddKudos(ctx, w.ID, reward); err != nil {
		return err
	}
	w.Kudos += reward
	w.LastRewardUptime = w.Uptime
	metrics.KudosTransferred.WithLabelValues("uptime").Add(reward)
	s.logger.Debug("uptime reward", "worker", w.Name, "user", owner.Alias(), "kudos", reward)
	return nil
}
