// internal/kudos/kudos.go
package kudos

import (
	"math"

	"inference-horde/internal/domain"

	"github.com/shopspring/decimal"
)

const (
	// imageThingsPerKudos is 512x512 at 5 steps.
	imageThingsPerKudos = 512 * 512 * 5
	textTokensPerKudos  = 21
	loraSurcharge       = 3
	// defaultTextParams is assumed when a text request names no model.
	defaultTextParams = 13

	ImageUptimeReward         = 50
	InterrogationUptimeReward = 50
)

var formPayouts = map[string]float64{
	domain.FormCaption:       1,
	domain.FormInterrogation: 3,
	domain.FormNSFW:          1,
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// ImagePayout is the per-slot reward of an image request.
func ImagePayout(things, multiplier float64, loras int) float64 {
	if multiplier <= 0 {
		multiplier = 1
	}
	base := decimal.NewFromFloat(things).
		Div(decimal.NewFromInt(imageThingsPerKudos)).
		Mul(decimal.NewFromFloat(multiplier)).
		Round(2)
	return base.Add(decimal.NewFromInt(int64(loras * loraSurcharge))).InexactFloat64()
}

// TextPayout is the per-slot reward of a text request. paramsB is the model size in billions.
func TextPayout(maxLength int, paramsB float64) float64 {
	if paramsB <= 0 {
		paramsB = defaultTextParams
	}
	return decimal.NewFromInt(int64(maxLength)).
		Mul(decimal.NewFromFloat(paramsB)).
		Div(decimal.NewFromInt(textTokensPerKudos)).
		Round(0).
		InexactFloat64()
}

// InterrogationPayout sums the per-form rewards, counting each form once.
func InterrogationPayout(forms []string) float64 {
	seen := make(map[string]bool, len(forms))
	total := 0.0
	for _, f := range forms {
		if seen[f] {
			continue
		}
		seen[f] = true
		if v, ok := formPayouts[f]; ok {
			total += v
		}
	}
	return total
}

// SlotPayout computes the reward of one slot of wp served with model.
func SlotPayout(wp *domain.WaitingPrompt, model string, catalog domain.ModelCatalog) float64 {
	switch wp.Variant {
	case domain.VariantImage:
		mult := 1.0
		if p, ok := catalog.Params(domain.VariantImage, model); ok && p.Multiplier > 0 {
			mult = p.Multiplier
		}
		return ImagePayout(wp.Things, mult, len(wp.Params.Loras))
	case domain.VariantText:
		if model == "" && len(wp.Models) > 0 {
			model = wp.Models[0]
		}
		var paramsB float64
		if model != "" {
			// unknown models still carry a size guessed from their name
			p, _ := catalog.Params(domain.VariantText, model)
			paramsB = p.Multiplier
		}
		return TextPayout(wp.Params.MaxLength, paramsB)
	default:
		return InterrogationPayout(wp.Params.Forms)
	}
}

// Estimate is the upfront cost of every slot of wp.
func Estimate(wp *domain.WaitingPrompt, catalog domain.ModelCatalog) float64 {
	model := ""
	if len(wp.Models) > 0 {
		model = wp.Models[0]
	}
	return Round2(SlotPayout(wp, model, catalog) * float64(wp.Jobs))
}

// UptimeReward is paid to a worker's owner for each full uptime window.
func UptimeReward(w *domain.Worker, catalog domain.ModelCatalog) float64 {
	switch w.Variant {
	case domain.VariantText:
		base := 25 + 15*float64(min(w.MaxContextLength, 16384))/1024
		if len(w.Models) == 0 {
			return Round2(base * 0.5)
		}
		p, ok := catalog.Params(domain.VariantText, w.Models[0])
		if !ok || p.Multiplier <= 0 {
			return Round2(base * 0.5)
		}
		return Round2(base * math.Max(p.Multiplier/7, 0.25))
	case domain.VariantInterrogation:
		return InterrogationUptimeReward
	default:
		return ImageUptimeReward
	}
}

// Split divides a reward between the spendable balance and the evaluation pool.
// Untrusted owners have half of it parked until they are promoted.
func Split(reward float64, trusted bool) (spendable, evaluating float64) {
	if trusted {
		return reward, 0
	}
	half := Round2(reward / 2)
	return reward - half, half
}

// UsageCost is what the requesting user is charged for a reward.
func UsageCost(reward, usageMultiplier float64) float64 {
	return Round2(reward * usageMultiplier)
}
