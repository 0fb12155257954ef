package httpcache

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Policy is a declarative caching rule for CACHE.PROXY (spec §4.5
// "Policies"), grounded on original_source/src/core/commands/cache/
// cache_policy.rs's CachePolicy.
type Policy struct {
	Name           string
	KeyPattern     string
	URLTemplate    string
	TTL            *uint64
	SWR            *uint64
	Grace          *uint64
	Tags           []string
	VaryOn         []string
	Prewarm        bool
	DisallowStatus []int
	MaxSizeBytes   *int64
}

// globMatch reports whether key satisfies the policy's key-glob, using
// stdlib path.Match (shell-style *,?,[...] glob) — no corpus repo imports a
// third-party glob matcher, and path.Match's semantics are exactly what
// spec §4.5's "key-glob" and §6's "allowed_fetch_domains (glob list)" need.
func globMatch(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}

// PolicyStore holds the live CACHE.POLICY rule set plus the prewarm-key
// set policies populate (spec §4.5).
type PolicyStore struct {
	mu           sync.RWMutex
	policies     []Policy
	prewarmKeys  map[string]struct{}
}

// NewPolicyStore constructs an empty store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{prewarmKeys: make(map[string]struct{})}
}

// Set inserts or replaces a policy by name. If an existing prewarm policy
// is updated to non-prewarm, its previously-tracked prewarm keys matching
// the old pattern are dropped (cache_policy.rs's SET handler).
func (s *PolicyStore) Set(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var old *Policy
	for i := range s.policies {
		if s.policies[i].Name == p.Name {
			o := s.policies[i]
			old = &o
			s.policies[i] = p
			break
		}
	}
	if old == nil {
		s.policies = append(s.policies, p)
	}
	if old != nil && old.Prewarm && !p.Prewarm {
		s.pruneMatchingLocked(old.KeyPattern)
	}
}

// Del removes a policy by name, returning whether one was found. A deleted
// prewarm policy's tracked keys are dropped.
func (s *PolicyStore) Del(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.policies {
		if s.policies[i].Name == name {
			deleted := s.policies[i]
			s.policies = append(s.policies[:i], s.policies[i+1:]...)
			if deleted.Prewarm {
				s.pruneMatchingLocked(deleted.KeyPattern)
			}
			return true
		}
	}
	return false
}

func (s *PolicyStore) pruneMatchingLocked(pattern string) {
	for k := range s.prewarmKeys {
		if globMatch(pattern, k) {
			delete(s.prewarmKeys, k)
		}
	}
}

// Get returns the named policy.
func (s *PolicyStore) Get(name string) (Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.policies {
		if p.Name == name {
			return p, true
		}
	}
	return Policy{}, false
}

// List returns every policy name.
func (s *PolicyStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.policies))
	for i, p := range s.policies {
		out[i] = p.Name
	}
	return out
}

// MatchForKey returns the first policy (in SET order) whose key-glob
// matches key, per "matches the first policy whose glob matches the key".
func (s *PolicyStore) MatchForKey(key string) (Policy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.policies {
		if globMatch(p.KeyPattern, key) {
			return p, true
		}
	}
	return Policy{}, false
}

// TrackPrewarmKey records key as prewarm-eligible, consulted by the
// revalidator task.
func (s *PolicyStore) TrackPrewarmKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prewarmKeys[key] = struct{}{}
}

// PrewarmKeys returns a snapshot of tracked prewarm keys.
func (s *PolicyStore) PrewarmKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.prewarmKeys))
	for k := range s.prewarmKeys {
		out = append(out, k)
	}
	return out
}

var hdrPlaceholder = regexp.MustCompile(`\{hdr:([^}]+)\}`)

// globToCaptureRegex turns a glob pattern into a regex capturing each `*`
// segment, mirroring cache_proxy.rs's glob_to_regex so `{1}`, `{2}`, ...
// placeholders in a policy's url_template can be filled from the key.
func globToCaptureRegex(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteByte('^')
	for _, c := range glob {
		switch c {
		case '*':
			b.WriteString("(.*)")
		case '?':
			b.WriteByte('.')
		default:
			if strings.ContainsRune(`.+()|\{}[]^$`, c) {
				b.WriteByte('\\')
			}
			b.WriteRune(c)
		}
	}
	b.WriteByte('$')
	re, err := regexp.Compile(b.String())
	if err != nil {
		return regexp.MustCompile(`^$`)
	}
	return re
}

// ResolveURL fills a policy's url_template with {hdr:Name} values from the
// request headers and {n} values from the key-glob's captured groups,
// URL-escaping every interpolated value (cache_proxy.rs execute_and_stream).
func ResolveURL(policy Policy, key string, headers []Header) string {
	resolved := hdrPlaceholder.ReplaceAllStringFunc(policy.URLTemplate, func(m string) string {
		name := hdrPlaceholder.FindStringSubmatch(m)[1]
		for _, h := range headers {
			if strings.EqualFold(h.Name, name) {
				return url.QueryEscape(h.Value)
			}
		}
		return ""
	})

	re := globToCaptureRegex(policy.KeyPattern)
	if caps := re.FindStringSubmatch(key); caps != nil {
		for i := 1; i < len(caps); i++ {
			placeholder := "{" + strconv.Itoa(i) + "}"
			resolved = strings.ReplaceAll(resolved, placeholder, url.QueryEscape(caps[i]))
		}
	}
	return resolved
}
