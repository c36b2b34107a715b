// Package scope maps the host a request arrived on to the partition that
// stores its secrets.
package scope

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"oneshot.link/internal/models"
)

type wildcard struct {
	suffix string // ".example.com"
	scope  models.Scope
}

// Resolver is immutable after construction and safe for concurrent use.
type Resolver struct {
	exact     map[string]models.Scope
	wildcards []wildcard
	def       models.Scope
}

// NewResolver builds a resolver from a host → partition table. Keys are
// exact hosts or "*.suffix" patterns; unknown hosts resolve to def.
func NewResolver(domains map[string]string, def models.Scope) (*Resolver, error) {
	r := &Resolver{
		exact: make(map[string]models.Scope, len(domains)),
		def:   def,
	}

	for pattern, partition := range domains {
		if !models.ValidScope(partition) {
			return nil, fmt.Errorf("domain %s: invalid partition %q", pattern, partition)
		}

		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			suffix = Normalize(suffix)
			if suffix == "" {
				return nil, fmt.Errorf("invalid wildcard domain %q", pattern)
			}
			r.wildcards = append(r.wildcards, wildcard{suffix: "." + suffix, scope: models.Scope(partition)})
			continue
		}

		host := Normalize(pattern)
		if host == "" || strings.Contains(host, "*") {
			return nil, fmt.Errorf("invalid domain %q", pattern)
		}
		r.exact[host] = models.Scope(partition)
	}

	// most specific suffix first
	sort.Slice(r.wildcards, func(i, j int) bool {
		if len(r.wildcards[i].suffix) != len(r.wildcards[j].suffix) {
			return len(r.wildcards[i].suffix) > len(r.wildcards[j].suffix)
		}
		return r.wildcards[i].suffix < r.wildcards[j].suffix
	})
	return r, nil
}

// Resolve never fails: hosts without a rule get the default partition.
func (r *Resolver) Resolve(host string) models.Scope {
	host = Normalize(host)
	if host == "" {
		return r.def
	}

	if scope, ok := r.exact[host]; ok {
		return scope
	}
	for _, w := range r.wildcards {
		if strings.HasSuffix(host, w.suffix) {
			return w.scope
		}
	}
	return r.def
}

func (r *Resolver) Default() models.Scope {
	return r.def
}

// Normalize lowercases host and strips the port, IPv6 brackets and a
// trailing dot.
func Normalize(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}
