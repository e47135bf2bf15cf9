// internal/domain/ports.go
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PriorityCache holds the periodically rebuilt head of the queue per variant.
// It is never authoritative: callers must re-check every id under lock.
type PriorityCache interface {
	Get(ctx context.Context, variant WorkerVariant) ([]uuid.UUID, error)
	Set(ctx context.Context, variant WorkerVariant, ids []uuid.UUID) error
}

// CounterMeasures tracks IP timeouts shared across nodes.
type CounterMeasures interface {
	// IPTimeout returns the remaining timeout of ip, zero when it is free.
	IPTimeout(ctx context.Context, ip string) (time.Duration, error)
	// ReportSuspicion escalates the timeout of ip and returns its new length.
	ReportSuspicion(ctx context.Context, ip string) (time.Duration, error)
	ClearTimeout(ctx context.Context, ip string) error
}

// ErrIPCheckUnavailable means the safety of a never-seen IP could not be decided right now.
var ErrIPCheckUnavailable = errors.New("ip safety check unavailable")

type IPSafetyChecker interface {
	IsSafe(ctx context.Context, ip string) (bool, error)
}

// PromptChecker is the content filter consulted on intake and check-in.
type PromptChecker interface {
	// Check returns a suspicion score and the matched spans.
	Check(prompt string) (int, []string)
	// Sanitize strips the filtered spans. It reports false when nothing usable remains.
	Sanitize(prompt string) (string, bool)
	IsProfane(text string) bool
}

// ModelParams is the catalog entry of a model.
type ModelParams struct {
	Name     string
	Baseline string
	// Multiplier scales kudos. For text models it is the parameter count in billions.
	Multiplier   float64
	NSFW         bool
	Requirements map[string]float64
}

// ModelCatalog resolves model metadata. For text models missing from the catalog
// Params reports false but still fills Multiplier from the size in the name.
type ModelCatalog interface {
	Params(variant WorkerVariant, name string) (ModelParams, bool)
}

// MonthlyKudosProvider is the external feed of recurring rewards.
type MonthlyKudosProvider interface {
	MonthlyKudos(ctx context.Context, user *User) (int, error)
}

// SettingsNotifier broadcasts a settings change to every node.
type SettingsNotifier interface {
	Publish(ctx context.Context) error
	// Watch delivers a value after every published change until ctx is done.
	Watch(ctx context.Context) <-chan struct{}
}

// NodeDirectory reports how many broker nodes are currently alive.
type NodeDirectory interface {
	CountNodes(ctx context.Context) (int, error)
}

// IPTimeoutFor is the timeout earned by an IP with priorOffences earlier reports.
func IPTimeoutFor(priorOffences int) time.Duration {
	return time.Duration((2*priorOffences+1)*3) * time.Minute
}
