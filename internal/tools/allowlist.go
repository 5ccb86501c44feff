package tools

import (
	"sort"
	"strings"
)

// Allowlist is the static set of capability names permitted to be
// proxied. It is built once at startup and never mutated afterwards,
// so concurrent readers need no locking. Matching is case-sensitive
// and exact: no prefixes, no wildcards, so the exposed surface stays
// auditable.
type Allowlist struct {
	names map[string]struct{}
}

func NewAllowlist(names []string) *Allowlist {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			set[name] = struct{}{}
		}
	}
	return &Allowlist{names: set}
}

func (a *Allowlist) Allowed(name string) bool {
	if a == nil {
		return false
	}
	_, ok := a.names[name]
	return ok
}

// Names returns the allowlisted names sorted, for logging and the
// startup banner.
func (a *Allowlist) Names() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.names))
	for name := range a.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (a *Allowlist) Len() int {
	if a == nil {
		return 0
	}
	return len(a.names)
}
