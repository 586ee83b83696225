package observability

import (
	"strings"

	"github.com/fidcgate/fidcgate/internal/config"
)

// operationSuffixes are the recognized terminal operations preserved by the
// "operation" normalization mode.
var operationSuffixes = map[string]struct{}{
	"validate":  {},
	"form":      {},
	"results":   {},
	"approve":   {},
	"documents": {},
	"settings":  {},
}

// otherBucket absorbs every path outside the known shapes.
const otherBucket = "other"

// actuatorBucket absorbs operational endpoints.
const actuatorBucket = "/actuator"

// PathNormalizer collapses request paths into a bounded label set. The
// possible outputs are finite: for S known services and O recognized
// operations, at most S×(2O+3) + 2 distinct values exist, so the path label
// can never explode metric cardinality. The mode is fixed at construction
// and stays stable for the process lifetime.
type PathNormalizer struct {
	mode     config.PathNormalization
	services map[string]struct{}
}

// NewPathNormalizer compiles the normalizer from config.
func NewPathNormalizer(cfg config.MetricsConfig) *PathNormalizer {
	services := make(map[string]struct{}, len(cfg.Services))
	for _, s := range cfg.Services {
		services[strings.ToLower(s)] = struct{}{}
	}

	mode := cfg.PathNormalization
	if mode == "" {
		mode = config.PathNormOperation
	}

	return &PathNormalizer{mode: mode, services: services}
}

// Normalize maps a request path to its metric label value. Pure function:
// no allocation-dependent state, same input always yields the same output.
func (n *PathNormalizer) Normalize(path string) string {
	if isActuator(path) {
		return actuatorBucket
	}

	segments := splitPath(path)
	if len(segments) < 2 || segments[0] != "api" {
		return otherBucket
	}

	service := strings.ToLower(segments[1])
	if _, known := n.services[service]; !known {
		return otherBucket
	}

	if n.mode == config.PathNormPrefix {
		return "/api/" + service
	}

	return n.normalizeOperation(service, segments[2:])
}

// normalizeOperation renders /api/{service}/… keeping recognized operation
// suffixes, collapsing each run of numeric segments to a single *, and
// bucketing anything else under /api/{service}/other.
func (n *PathNormalizer) normalizeOperation(service string, rest []string) string {
	if len(rest) == 0 {
		return "/api/" + service
	}

	out := make([]string, 0, len(rest)+2)
	out = append(out, "api", service)

	for i, seg := range rest {
		switch {
		case isNumeric(seg):
			// Consecutive ids share one *, so path depth cannot grow the
			// label set.
			if out[len(out)-1] != "*" {
				out = append(out, "*")
			}
		case isOperation(seg) && i == len(rest)-1:
			out = append(out, strings.ToLower(seg))
		default:
			// Unknown subpath under a known service: the whole remainder
			// collapses into the shared bucket.
			return "/api/" + service + "/" + otherBucket
		}
	}

	return "/" + strings.Join(out, "/")
}

func isActuator(path string) bool {
	switch {
	case strings.HasPrefix(path, "/actuator"),
		path == "/healthz", path == "/readyz", path == "/startz",
		path == "/metrics":
		return true
	}
	return false
}

func isOperation(seg string) bool {
	_, ok := operationSuffixes[strings.ToLower(seg)]
	return ok
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
