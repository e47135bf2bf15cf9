// internal/ipsafety/checker.go
package ipsafety

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"inference-horde/internal/config"
	"inference-horde/internal/domain"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// Checker classifies worker IPs against a CIDR blocklist. Verdicts are cached;
// first sightings are rate limited so a burst of fresh addresses is refused
// instead of being waved through.
type Checker struct {
	blocked []netip.Prefix
	cache   *ttlcache.Cache[string, bool]
	newIPs  *rate.Limiter
	logger  *slog.Logger
}

var _ domain.IPSafetyChecker = (*Checker)(nil)

func New(cfg config.IPSafetyConfig, logger *slog.Logger) (*Checker, error) {
	c := &Checker{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, bool](cfg.CacheTTL),
			ttlcache.WithDisableTouchOnHit[string, bool](),
		),
		newIPs: rate.NewLimiter(rate.Limit(cfg.NewIPRate), cfg.NewIPBurst),
		logger: logger.With("component", "ip-safety"),
	}
	for _, entry := range cfg.Blocklist {
		prefix, err := parsePrefix(entry)
		if err != nil {
			return nil, err
		}
		c.blocked = append(c.blocked, prefix)
	}
	return c, nil
}

// parsePrefix accepts a CIDR or a bare address.
func parsePrefix(entry string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(entry); err == nil {
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid blocklist entry %q", entry)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func (c *Checker) IsSafe(_ context.Context, ip string) (bool, error) {
	if item := c.cache.Get(ip); item != nil {
		return item.Value(), nil
	}
	if !c.newIPs.Allow() {
		return false, domain.ErrIPCheckUnavailable
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil {
		c.logger.Warn("unparseable worker ip", "ip", ip)
		c.cache.Set(ip, false, ttlcache.DefaultTTL)
		return false, nil
	}
	addr = addr.Unmap()
	safe := true
	for _, prefix := range c.blocked {
		if prefix.Contains(addr) {
			safe = false
			break
		}
	}
	c.cache.Set(ip, safe, ttlcache.DefaultTTL)
	return safe, nil
}
