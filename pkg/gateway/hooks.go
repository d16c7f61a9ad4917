package gateway

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/streambridge/streambridge/pkg/stream"
)

// HeaderProcessor rewrites request headers before they are dispatched
// upstream. Implementations typically inject auth or strip hop
// headers. Returning an error resets the stream without touching the
// upstream.
type HeaderProcessor interface {
	Process(authority string, headers stream.Headers) (stream.Headers, error)
}

// Router maps the :authority a client asked for to the authority the
// gateway actually dials. Returning an error resets the stream; use
// it for allowlisting.
type Router interface {
	Route(authority string) (string, error)
}

// identityRouter forwards every authority unchanged.
type identityRouter struct{}

func (identityRouter) Route(authority string) (string, error) {
	return authority, nil
}

// NewAllowlistRouter returns a Router that only forwards the listed
// authorities. An empty list allows everything.
func NewAllowlistRouter(authorities []string) Router {
	if len(authorities) == 0 {
		return identityRouter{}
	}
	return &allowlistRouter{allowed: sets.New(authorities...)}
}

type allowlistRouter struct {
	allowed sets.Set[string]
}

func (r *allowlistRouter) Route(authority string) (string, error) {
	if !r.allowed.Has(authority) {
		return "", fmt.Errorf("authority %q is not allowed", authority)
	}
	return authority, nil
}
