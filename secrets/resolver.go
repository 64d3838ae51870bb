package secrets

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// refPattern matches ${scheme:key} or ${VAR_NAME} placeholders.
var refPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Resolver dispatches references to providers by scheme. Bare references
// without a scheme resolve through the "env" provider.
type Resolver struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewResolver creates a Resolver with an EnvProvider registered as "env".
func NewResolver() *Resolver {
	return &Resolver{providers: map[string]Provider{"env": NewEnvProvider("")}}
}

// Register adds or replaces the provider for scheme.
func (r *Resolver) Register(scheme string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[scheme] = p
}

// Schemes returns the registered schemes in sorted order.
func (r *Resolver) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for s := range r.providers {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Resolve looks up a single reference of the form "scheme:key".
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, key := parseReference(ref)
	r.mu.RLock()
	p, ok := r.providers[scheme]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("secrets: unknown provider scheme %q in %q", scheme, ref)
	}
	val, err := p.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("secrets: resolve %q: %w", ref, err)
	}
	return val, nil
}

// Expand replaces every ${...} placeholder in input with its resolved value.
func (r *Resolver) Expand(ctx context.Context, input string) (string, error) {
	var expandErr error
	out := refPattern.ReplaceAllStringFunc(input, func(match string) string {
		if expandErr != nil {
			return match
		}
		val, err := r.Resolve(ctx, match[2:len(match)-1])
		if err != nil {
			expandErr = err
			return match
		}
		return val
	})
	if expandErr != nil {
		return "", expandErr
	}
	return out, nil
}

// parseReference splits "vault:deploy/ssh#key" into ("vault", "deploy/ssh#key").
// A reference without a valid scheme is an env var name.
func parseReference(ref string) (scheme, key string) {
	if idx := strings.IndexByte(ref, ':'); idx > 0 && isValidScheme(ref[:idx]) {
		return ref[:idx], ref[idx+1:]
	}
	return "env", ref
}

func isValidScheme(s string) bool {
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-') {
			return false
		}
	}
	return s != ""
}
