// Package proofconfig holds the per-platform, per-action proof descriptors and the registry that resolves them.
// Each descriptor knows which page to open, which network operations carry the actor's identity and the action
// data, and how to turn those payloads into normalized proof data.
package proofconfig

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"proof-capture-engine/pkg/models"
)

// ErrConfigNotFound matches any *ConfigNotFoundError via errors.Is.
var ErrConfigNotFound = errors.New("proof config not found")

// ConfigNotFoundError reports an unsupported platform/action combination.
// It is fatal for the request and never retried.
type ConfigNotFoundError struct {
	Platform   string
	ActionType string
}

func (e *ConfigNotFoundError) Error() string {
	return fmt.Sprintf("no proof config registered for platform %q and action %q", e.Platform, e.ActionType)
}

// Is lets errors.Is(err, ErrConfigNotFound) succeed.
func (e *ConfigNotFoundError) Is(target error) bool {
	return target == ErrConfigNotFound
}

// Handler is the declarative descriptor for one platform+action pair.
// Implementations must be immutable and safe for concurrent use.
type Handler interface {
	Type() models.ProofType
	Platform() string
	ActionType() string
	ContentType() string

	// MatchesURL recognizes the page the capture tab must settle on.
	MatchesURL(rawURL string) bool
	// ProfileURL derives that page for a viewer handle.
	ProfileURL(viewerHandle string) string

	ContextEndpoint() string
	ActionEndpoint() string

	// ParseContext and ParseAction never panic; malformed input yields an empty result with ParseError set.
	ParseContext(raw []byte) models.NormalizedUser
	ParseAction(raw []byte, target string) models.ActionParseResult
}

// ActorParser is implemented by handlers whose action match depends on who performed it.
// Sessions use it once the viewer's identity is captured.
type ActorParser interface {
	ParseActionBy(raw []byte, target, actor string) models.ActionParseResult
}

type registryKey struct {
	platform string
	action   string
}

var platformAliases = map[string]string{
	"twitter": "x",
	"x.com":   "x",
}

var actionAliases = map[string]string{
	"reply":   "comment",
	"likes":   "like",
	"follows": "follow",
}

func normalizePlatform(platform string) string {
	p := strings.ToLower(strings.TrimSpace(platform))
	if alias, ok := platformAliases[p]; ok {
		return alias
	}
	return p
}

func normalizeAction(action string) string {
	a := strings.ToLower(strings.TrimSpace(action))
	if alias, ok := actionAliases[a]; ok {
		return alias
	}
	return a
}

// Registry maps (platform, actionType) pairs to handlers. It is filled once at startup and read concurrently.
type Registry struct {
	mu       sync.RWMutex
	handlers map[registryKey]Handler
	byType   map[models.ProofType]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[registryKey]Handler),
		byType:   make(map[models.ProofType]Handler),
	}
}

// DefaultRegistry returns a registry with every built-in handler registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, h := range XHandlers() {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a handler. Registering the same pair or proof type twice is an error.
func (r *Registry) Register(h Handler) error {
	key := registryKey{platform: normalizePlatform(h.Platform()), action: normalizeAction(h.ActionType())}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("proof config for %s/%s already registered", key.platform, key.action)
	}
	if _, exists := r.byType[h.Type()]; exists {
		return fmt.Errorf("proof type %s already registered", h.Type())
	}
	r.handlers[key] = h
	r.byType[h.Type()] = h
	return nil
}

// Resolve returns the handler for a platform/action pair or a *ConfigNotFoundError.
func (r *Registry) Resolve(platform, actionType string) (Handler, error) {
	key := registryKey{platform: normalizePlatform(platform), action: normalizeAction(actionType)}

	r.mu.RLock()
	h, ok := r.handlers[key]
	r.mu.RUnlock()

	if !ok {
		return nil, &ConfigNotFoundError{Platform: platform, ActionType: actionType}
	}
	return h, nil
}

// ByType returns the handler registered under a proof type.
func (r *Registry) ByType(t models.ProofType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byType[t]
	return h, ok
}

// Types lists registered proof types in sorted order.
func (r *Registry) Types() []models.ProofType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.ProofType, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
