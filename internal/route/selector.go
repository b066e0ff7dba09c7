// Package route turns a requested model name into an ordered list of
// (upstream model, provider) candidates. Matching walks the configured
// patterns (exact name first, then globs in file order), expansion drops
// disabled and unhealthy providers, and the configured strategy plus the
// sticky overlay decide the attempt order.
package route

import (
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/blueberrycongee/msgmux/internal/config"
	"github.com/blueberrycongee/msgmux/internal/health"
	"github.com/blueberrycongee/msgmux/internal/provider"
)

// Candidate pairs the model name to send upstream with the provider to call.
type Candidate struct {
	Model    string
	Provider *provider.Provider
}

// option carries the route priority through ordering.
type option struct {
	model    string
	prov     *provider.Provider
	priority int
}

// Selector computes candidate lists. It owns the round-robin counters, the
// compiled pattern cache and the sticky state; all three survive config
// reloads.
type Selector struct {
	config   func() *config.Config
	registry *provider.Registry
	health   *health.Tracker

	mu             sync.Mutex
	rrIndex        map[string]int
	patterns       map[string]*regexp.Regexp
	stickyProvider string
	stickyLastUsed time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewSelector creates a selector reading live configuration through cfg.
func NewSelector(cfg func() *config.Config, registry *provider.Registry, tracker *health.Tracker) *Selector {
	return &Selector{
		config:   cfg,
		registry: registry,
		health:   tracker,
		rrIndex:  make(map[string]int),
		patterns: make(map[string]*regexp.Regexp),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Select returns candidates for the requested model in attempt order. A
// non-empty pinned name restricts the list to that single provider; the
// result is empty when the pin is unknown, disabled or unhealthy. Without a
// pin, an empty result means no routing rule produced a usable provider.
func (s *Selector) Select(requestedModel, pinned string) []Candidate {
	cfg := s.config()
	if pinned != "" {
		return s.selectPinned(cfg, requestedModel, pinned)
	}

	routes := cfg.ModelRoutes
	if rl, ok := routes.Routes[requestedModel]; ok {
		if opts := s.expand(rl, requestedModel); len(opts) > 0 {
			return s.order(cfg, opts, requestedModel)
		}
	}
	for _, pattern := range routes.Patterns {
		if pattern == requestedModel {
			continue
		}
		if !s.matches(requestedModel, pattern) {
			continue
		}
		if opts := s.expand(routes.Routes[pattern], requestedModel); len(opts) > 0 {
			return s.order(cfg, opts, pattern)
		}
	}
	return nil
}

// selectPinned handles the provider override. The pin does not require a
// routing rule: an unrouted provider is still reachable with the requested
// model passed through.
func (s *Selector) selectPinned(cfg *config.Config, requestedModel, pinned string) []Candidate {
	prov, ok := s.registry.ByName(pinned)
	if !ok || !s.health.IsHealthy(pinned) {
		return nil
	}

	target := requestedModel
	for _, pattern := range cfg.ModelRoutes.Patterns {
		if !s.matches(requestedModel, pattern) {
			continue
		}
		for _, rt := range cfg.ModelRoutes.Routes[pattern] {
			if rt.Provider == pinned {
				if rt.Model != config.ModelPassthrough {
					target = rt.Model
				}
				break
			}
		}
		break
	}
	return []Candidate{{Model: target, Provider: prov}}
}

// expand filters one rule's routes down to usable options.
func (s *Selector) expand(routes []config.RouteConfig, requestedModel string) []option {
	opts := make([]option, 0, len(routes))
	for _, rt := range routes {
		if !rt.Enabled {
			continue
		}
		prov, ok := s.registry.ByName(rt.Provider)
		if !ok || !s.health.IsHealthy(rt.Provider) {
			continue
		}
		model := rt.Model
		if model == config.ModelPassthrough {
			model = requestedModel
		}
		opts = append(opts, option{model: model, prov: prov, priority: rt.Priority})
	}
	return opts
}

// order applies the strategy, then the sticky overlay on top of it.
func (s *Selector) order(cfg *config.Config, opts []option, patternKey string) []Candidate {
	sortByPriority(opts)

	switch cfg.Settings.SelectionStrategy {
	case config.StrategyRoundRobin:
		s.mu.Lock()
		idx := s.rrIndex[patternKey] % len(opts)
		s.rrIndex[patternKey] = idx + 1
		s.mu.Unlock()
		moveToFront(opts, idx)
	case config.StrategyRandom:
		if len(opts) > 1 {
			top := len(opts)
			if top > 3 {
				top = 3
			}
			s.rngMu.Lock()
			idx := s.rng.Intn(top)
			s.rngMu.Unlock()
			moveToFront(opts, idx)
		}
	}

	s.applySticky(cfg, opts)

	out := make([]Candidate, len(opts))
	for i, o := range opts {
		out[i] = Candidate{Model: o.model, Provider: o.prov}
	}
	return out
}

// applySticky moves the last-used provider to the front while it is within
// the sticky window, keeping the relative order of the rest.
func (s *Selector) applySticky(cfg *config.Config, opts []option) {
	duration := cfg.Settings.StickyProviderDuration
	if duration <= 0 {
		return
	}
	s.mu.Lock()
	name := s.stickyProvider
	active := name != "" && time.Since(s.stickyLastUsed) <= duration
	s.mu.Unlock()
	if !active {
		return
	}
	for i, o := range opts {
		if o.prov.Name == name {
			moveToFront(opts, i)
			return
		}
	}
}

// MarkUsed records the provider that served the latest attempt that did not
// fail over, anchoring the sticky window to it. Called on success and on
// surfaced errors alike.
func (s *Selector) MarkUsed(providerName string) {
	s.mu.Lock()
	s.stickyProvider = providerName
	s.stickyLastUsed = time.Now()
	s.mu.Unlock()
}

// matches reports whether the model name matches a pattern. Patterns
// without a wildcard compare case-insensitively; wildcard patterns compile
// to a cached case-insensitive regexp with * standing for any run of
// characters.
func (s *Selector) matches(model, pattern string) bool {
	if !strings.Contains(pattern, "*") {
		return strings.EqualFold(model, pattern)
	}
	re := s.compiled(pattern)
	if re == nil {
		return false
	}
	return re.MatchString(strings.ToLower(model))
}

func (s *Selector) compiled(pattern string) *regexp.Regexp {
	s.mu.Lock()
	defer s.mu.Unlock()
	if re, ok := s.patterns[pattern]; ok {
		return re
	}
	parts := strings.Split(strings.ToLower(pattern), "*")
	for i := range parts {
		parts[i] = regexp.QuoteMeta(parts[i])
	}
	re, err := regexp.Compile(strings.Join(parts, ".*"))
	if err != nil {
		re = nil
	}
	s.patterns[pattern] = re
	return re
}

// sortByPriority sorts ascending and keeps config order for ties.
func sortByPriority(opts []option) {
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].priority < opts[j].priority })
}

func moveToFront(opts []option, idx int) {
	if idx <= 0 {
		return
	}
	picked := opts[idx]
	copy(opts[1:idx+1], opts[:idx])
	opts[0] = picked
}
