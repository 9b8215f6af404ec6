package metrics

import (
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/axiomhq/hyperloglog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Estimator estimates the number of unique values added to it.  It is safe
// for concurrent use.
type Estimator struct {
	mu     *sync.Mutex
	sketch *hyperloglog.Sketch
}

// NewEstimator returns a new empty *Estimator.
func NewEstimator() (e *Estimator) {
	return &Estimator{
		mu:     &sync.Mutex{},
		sketch: hyperloglog.New(),
	}
}

// Add adds a value to the estimator.
func (e *Estimator) Add(v []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sketch.Insert(v)
}

// Estimate returns the estimated number of unique values.
func (e *Estimator) Estimate() (n uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.sketch.Estimate()
}

var (
	uniqueClients     = NewEstimator()
	uniqueServerNames = NewEstimator()
)

// UniqueClients is the estimated number of unique client IP addresses.
var UniqueClients = promauto.NewGaugeFunc(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: subsystemRelay,
	Name:      "unique_clients",
	Help:      "The estimated number of unique client IP addresses.",
}, func() (v float64) {
	return float64(uniqueClients.Estimate())
})

// UniqueServerNames is the estimated number of unique server names relayed.
var UniqueServerNames = promauto.NewGaugeFunc(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: subsystemRelay,
	Name:      "unique_servernames",
	Help:      "The estimated number of unique server names that were relayed.",
}, func() (v float64) {
	return float64(uniqueServerNames.Estimate())
})

// AddClient records the IP address of a client.
func AddClient(addr net.Addr) {
	var ip netip.Addr
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.AddrPort().Addr()
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return
		}

		ip = ap.Addr()
	}

	b, _ := ip.Unmap().MarshalBinary()
	uniqueClients.Add(b)
}

// AddServerName records a relayed server name.
func AddServerName(name string) {
	uniqueServerNames.Add([]byte(strings.ToLower(name)))
}
