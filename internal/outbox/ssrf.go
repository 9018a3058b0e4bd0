package outbox

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
)

// blockedDestination tags errors for URLs the SSRF guard refused to
// contact. Delivery fails terminally: the destination will never become safe.
const blockedDestination = "blocked_destination"

// SSRFGuard rejects webhook destinations that resolve to loopback,
// link-local, multicast, or private address space, unless the resolved
// address falls inside an explicitly whitelisted CIDR.
type SSRFGuard struct {
	allow  []netip.Prefix
	lookup func(ctx context.Context, host string) ([]netip.Addr, error)
}

// NewSSRFGuard parses the allow list. Invalid CIDRs are an error:
// silently dropping one would widen the blast radius of a typo.
func NewSSRFGuard(allowCIDRs []string) (*SSRFGuard, error) {
	g := &SSRFGuard{lookup: defaultLookup}
	for _, c := range allowCIDRs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("outbox: parse allow CIDR %q: %w", c, err)
		}
		g.allow = append(g.allow, p)
	}
	return g, nil
}

// Check resolves the URL's host and returns an error naming
// blocked_destination when any resolved address is disallowed.
// All addresses must pass: a split-horizon name with one private A
// record is as dangerous as a fully private one.
func (g *SSRFGuard) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("outbox: %s: parse url: %w", blockedDestination, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("outbox: %s: scheme %q not allowed", blockedDestination, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("outbox: %s: empty host", blockedDestination)
	}

	addrs, err := g.lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("outbox: resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("outbox: %s: no addresses for %s", blockedDestination, host)
	}
	for _, addr := range addrs {
		if g.blocked(addr) {
			return fmt.Errorf("outbox: %s: %s resolves to %s", blockedDestination, host, addr)
		}
	}
	return nil
}

func (g *SSRFGuard) blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range g.allow {
		if p.Contains(addr) {
			return false
		}
	}
	return addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified() ||
		addr.IsPrivate()
}

func defaultLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	// Literal IPs skip DNS entirely.
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	return ips, nil
}
