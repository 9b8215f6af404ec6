package relay

import (
	"github.com/AdguardTeam/golibs/errors"
	"github.com/ameshkov/sniforward/internal/sni"
)

// errForward is returned when the forwarder fails for a reason other than one
// of the peers closing the connection.
const errForward errors.Error = "forwarding error"

// Connection error kinds, used in logs and metrics.
const (
	kindFraming   = "framing"
	kindRouting   = "routing"
	kindUpstream  = "upstream"
	kindForward   = "forward"
	kindTransport = "transport"
)

// errorKind returns the kind of the connection error.
func errorKind(err error) (kind string) {
	switch {
	case errors.Is(err, sni.ErrFraming):
		return kindFraming
	case errors.Is(err, sni.ErrRouting):
		return kindRouting
	case errors.Is(err, ErrUpstream):
		return kindUpstream
	case errors.Is(err, errForward):
		return kindForward
	default:
		return kindTransport
	}
}
