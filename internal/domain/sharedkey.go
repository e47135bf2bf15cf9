// internal/domain/sharedkey.go
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Unlimited is the sentinel for shared key quotas and caps.
const Unlimited = -1

// SharedKey is a delegated credential that spends its owner's kudos under its own limits.
type SharedKey struct {
	ID             uuid.UUID  `gorm:"column:id;type:uuid;primaryKey"`
	UserID         uint64     `gorm:"column:user_id;index;not null"`
	Name           string     `gorm:"column:name;size:255"`
	Kudos          float64    `gorm:"column:kudos;not null"`
	Utilized       float64    `gorm:"column:utilized;not null"`
	Expiry         *time.Time `gorm:"column:expiry"`
	MaxImagePixels int        `gorm:"column:max_image_pixels;not null"`
	MaxImageSteps  int        `gorm:"column:max_image_steps;not null"`
	MaxTextTokens  int        `gorm:"column:max_text_tokens;not null"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null"`
}

func (SharedKey) TableName() string { return "user_sharedkeys" }

func (k *SharedKey) IsExpired(now time.Time) bool {
	return k.Expiry != nil && !k.Expiry.After(now)
}

// CanAfford reports whether the key's residual quota covers the given cost.
func (k *SharedKey) CanAfford(kudos float64) bool {
	return k.Kudos == Unlimited || kudos <= k.Kudos
}

// Validate returns the rc of the first per-job cap the request violates, or "".
func (k *SharedKey) Validate(variant WorkerVariant, params GenerationParams) string {
	switch variant {
	case VariantImage:
		if k.MaxImagePixels != Unlimited && params.Width*params.Height > k.MaxImagePixels {
			return "SharedKeyPixelLimit"
		}
		if k.MaxImageSteps != Unlimited && params.Steps > k.MaxImageSteps {
			return "SharedKeyStepLimit"
		}
	case VariantText:
		if k.MaxTextTokens != Unlimited && params.MaxLength > k.MaxTextTokens {
			return "SharedKeyTokenLimit"
		}
	}
	return ""
}
