package relay

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/AdguardTeam/dnsproxy/upstream"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
)

// errNoAddress is returned when the upstream has no addresses for a name.
const errNoAddress errors.Error = "no addresses found"

// Resolver turns server names into backend addresses.  It uses the static
// hosts first, then the DNS upstream, and caches the upstream answers for
// their TTL.
type Resolver struct {
	ups   upstream.Upstream
	hosts map[string]netip.Addr

	cache   map[string]cacheItem
	cacheMu *sync.Mutex
}

// cacheItem is a cached upstream answer.
type cacheItem struct {
	addr   netip.Addr
	expire time.Time
}

// NewResolver creates a new *Resolver instance.  ups may be nil, in which case
// names that are not in hosts are returned unchanged.
func NewResolver(ups upstream.Upstream, hosts map[string]netip.Addr) (r *Resolver) {
	normalized := make(map[string]netip.Addr, len(hosts))
	for k, v := range hosts {
		normalized[normalizeHost(k)] = v
	}

	return &Resolver{
		ups:     ups,
		hosts:   normalized,
		cache:   map[string]cacheItem{},
		cacheMu: &sync.Mutex{},
	}
}

// Resolve returns the host to connect to for the server name.  It is either an
// IP address or host itself.
func (r *Resolver) Resolve(host string) (addr string, err error) {
	key := normalizeHost(host)
	if ip, ok := r.hosts[key]; ok {
		return ip.String(), nil
	}

	if r.ups == nil {
		return host, nil
	}

	if _, err = netip.ParseAddr(host); err == nil {
		return host, nil
	}

	if ip, ok := r.lookupCache(key); ok {
		return ip.String(), nil
	}

	ip, ttl, err := r.lookup(key)
	if err != nil {
		return "", fmt.Errorf("looking up %s via %s: %w", host, r.ups.Address(), err)
	}

	if ttl > 0 {
		r.putToCache(key, ip, time.Duration(ttl)*time.Second)
	}

	return ip.String(), nil
}

// lookup queries the upstream for A and then AAAA records of host.  ttl is the
// smallest TTL of the matching records.
func (r *Resolver) lookup(host string) (ip netip.Addr, ttl uint32, err error) {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		req := &dns.Msg{}
		req.SetQuestion(dns.Fqdn(host), qtype)

		var resp *dns.Msg
		resp, err = r.ups.Exchange(req)
		if err != nil {
			return netip.Addr{}, 0, err
		}

		if resp.Rcode != dns.RcodeSuccess {
			return netip.Addr{}, 0, fmt.Errorf("%s: %s", dns.Type(qtype), dns.RcodeToString[resp.Rcode])
		}

		ip, ttl = addrFromAnswer(resp.Answer, qtype)
		if ip.IsValid() {
			return ip, ttl, nil
		}
	}

	return netip.Addr{}, 0, errNoAddress
}

// addrFromAnswer returns the first address of type qtype and the smallest TTL
// among the records of that type.
func addrFromAnswer(answer []dns.RR, qtype uint16) (ip netip.Addr, ttl uint32) {
	for _, rr := range answer {
		var raw []byte
		switch v := rr.(type) {
		case *dns.A:
			raw = v.A
		case *dns.AAAA:
			raw = v.AAAA
		default:
			continue
		}

		if rr.Header().Rrtype != qtype {
			continue
		}

		addr, ok := netip.AddrFromSlice(raw)
		if !ok {
			continue
		}

		if !ip.IsValid() {
			ip, ttl = addr.Unmap(), rr.Header().Ttl
		} else {
			ttl = min(ttl, rr.Header().Ttl)
		}
	}

	return ip, ttl
}

func (r *Resolver) lookupCache(host string) (ip netip.Addr, ok bool) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	item, ok := r.cache[host]
	if !ok {
		return netip.Addr{}, false
	}

	if time.Now().After(item.expire) {
		delete(r.cache, host)

		return netip.Addr{}, false
	}

	return item.addr, true
}

func (r *Resolver) putToCache(host string, ip netip.Addr, ttl time.Duration) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()

	r.cache[host] = cacheItem{
		addr:   ip,
		expire: time.Now().Add(ttl),
	}
}

// normalizeHost returns the lower-case host name without the trailing dot.
func normalizeHost(host string) (normalized string) {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
