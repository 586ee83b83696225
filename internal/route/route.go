// Package route holds the declarative route table: path predicate, upstream
// target, and the per-route validation options consumed by the session
// validation filter.
package route

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fidcgate/fidcgate/internal/config"
)

// DefaultTimeout bounds a routed request when the route declares none.
const DefaultTimeout = 30 * time.Second

// Route is one compiled route table entry.
type Route struct {
	ID         string
	PathPrefix string
	Upstream   string
	Protected  bool
	// RequiredPermissions must all be present in the validated session.
	// Empty means authenticated but unrestricted.
	RequiredPermissions []string
	Timeout             time.Duration

	// Handler dispatches to the route's upstream. Set by the pipeline host
	// after the proxy is built.
	Handler http.Handler
}

// Table is an immutable compiled route table. Rebuilt and swapped wholesale
// on config reload.
type Table struct {
	routes []*Route
}

// NewTable compiles the route config. Routes are ordered longest prefix
// first so the most specific route wins.
func NewTable(cfgs []config.RouteConfig) *Table {
	routes := make([]*Route, 0, len(cfgs))
	for _, rc := range cfgs {
		routes = append(routes, &Route{
			ID:                  rc.ID,
			PathPrefix:          strings.TrimSuffix(rc.PathPrefix, "/"),
			Upstream:            rc.Upstream,
			Protected:           rc.Protected,
			RequiredPermissions: append([]string(nil), rc.RequiredPermissions...),
			Timeout:             config.MustParseDuration(rc.Timeout, DefaultTimeout),
		})
	}

	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].PathPrefix) > len(routes[j].PathPrefix)
	})

	return &Table{routes: routes}
}

// Match returns the route for the given path, or nil when no prefix
// matches. A prefix matches on an exact path or a segment boundary, so
// /api/simulation does not capture /api/simulations.
func (t *Table) Match(path string) *Route {
	for _, r := range t.routes {
		if r.PathPrefix == "" || r.PathPrefix == "/" {
			return r
		}
		if path == r.PathPrefix || strings.HasPrefix(path, r.PathPrefix+"/") {
			return r
		}
	}
	return nil
}

// Routes returns the compiled entries in match order.
func (t *Table) Routes() []*Route {
	return t.routes
}
