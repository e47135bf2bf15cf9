// internal/catalog/catalog.go
package catalog

import (
	"regexp"
	"strconv"

	"inference-horde/internal/config"
	"inference-horde/internal/domain"
)

// paramSize finds the "13B" / "2.7b" part of a text model name.
var paramSize = regexp.MustCompile(`(\d+(\.\d+)?)[bB]`)

type key struct {
	variant domain.WorkerVariant
	name    string
}

// Static is a ModelCatalog loaded once from configuration.
type Static struct {
	models map[key]domain.ModelParams
}

var _ domain.ModelCatalog = (*Static)(nil)

func New(models []config.ModelConfig) *Static {
	c := &Static{models: make(map[key]domain.ModelParams, len(models))}
	for _, m := range models {
		c.models[key{domain.WorkerVariant(m.Variant), m.Name}] = domain.ModelParams{
			Name:       m.Name,
			Baseline:   m.Baseline,
			Multiplier: m.Multiplier,
			NSFW:       m.NSFW,
		}
	}
	return c
}

func (c *Static) Params(variant domain.WorkerVariant, name string) (domain.ModelParams, bool) {
	if p, ok := c.models[key{variant, name}]; ok {
		if variant == domain.VariantText && p.Multiplier == 0 {
			p.Multiplier = sizeFromName(name)
		}
		return p, true
	}
	if variant == domain.VariantText {
		return domain.ModelParams{Name: name, Multiplier: sizeFromName(name)}, false
	}
	return domain.ModelParams{Name: name}, false
}

// AnyNSFW reports whether one of the named models is flagged NSFW.
func (c *Static) AnyNSFW(variant domain.WorkerVariant, names []string) bool {
	for _, n := range names {
		if p, ok := c.models[key{variant, n}]; ok && p.NSFW {
			return true
		}
	}
	return false
}

func sizeFromName(name string) float64 {
	m := paramSize.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return v
}
