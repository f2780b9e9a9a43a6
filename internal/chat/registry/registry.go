// Package registry tracks the AI participants known to the hub and answers
// alias lookups.
package registry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/confab/internal/chat/message"
	"github.com/zjrosen/confab/internal/log"
	"github.com/zjrosen/confab/internal/provider"
)

// MaxParallelInit caps concurrent capability initializations so registry
// startup cannot flood provider endpoints.
const MaxParallelInit = 8

// DefaultEmoji is used when a participant config carries none.
const DefaultEmoji = "🤖"

// AIRecord describes one registered AI participant. Records returned from
// the registry are copies; mutate through registry methods only.
type AIRecord struct {
	ID          string
	ProviderKey string
	ModelKey    string

	DisplayName     string
	DisplayAlias    string // handle without the @
	Alias           string // always stored with the leading @
	NormalizedAlias string
	Emoji           string
	Persona         string

	IsActive      bool
	IsGenerating  bool
	JustResponded bool

	LastMessageTime time.Time

	Capability provider.Capability
}

// InitOptions controls Initialize.
type InitOptions struct {
	// ValidateOnInit is forwarded to each capability's Initialize; disabled
	// under SKIP_HEALTHCHECK.
	ValidateOnInit bool
}

// Registry is the thread-safe set of AI records.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*AIRecord
	order   []string
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{records: make(map[string]*AIRecord)}
}

// Initialize builds and registers capabilities for the given configs,
// running at most MaxParallelInit initializations concurrently. Individual
// failures are logged and excluded, never fatal; the returned slice holds
// one error per failed config. Successful registrations become observable
// only after Initialize returns.
func (r *Registry) Initialize(ctx context.Context, configs []provider.Config, opts InitOptions) []error {
	type outcome struct {
		record *AIRecord
		err    error
	}

	outcomes := make([]outcome, len(configs))
	sem := make(chan struct{}, MaxParallelInit)
	var wg sync.WaitGroup

	for i, cfg := range configs {
		wg.Add(1)
		go func(i int, cfg provider.Config) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			record, err := buildRecord(ctx, cfg, opts)
			outcomes[i] = outcome{record: record, err: err}
		}(i, cfg)
	}
	wg.Wait()

	var errs []error
	for i, out := range outcomes {
		if out.err != nil {
			log.ErrorErr(log.CatRegistry, "AI initialization failed", out.err,
				"id", configs[i].ID, "provider", configs[i].Provider)
			errs = append(errs, out.err)
			continue
		}
		if err := r.Add(*out.record); err != nil {
			log.ErrorErr(log.CatRegistry, "AI registration rejected", err, "id", out.record.ID)
			errs = append(errs, err)
			continue
		}
		log.Info(log.CatRegistry, "AI registered",
			"id", out.record.ID, "alias", out.record.Alias, "model", out.record.ModelKey)
	}
	return errs
}

func buildRecord(ctx context.Context, cfg provider.Config, opts InitOptions) (*AIRecord, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("participant config missing id")
	}

	capability, err := provider.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("building capability for %s: %w", cfg.ID, err)
	}
	if err := capability.Initialize(ctx, provider.InitOptions{ValidateOnInit: opts.ValidateOnInit}); err != nil {
		return nil, fmt.Errorf("initializing capability for %s: %w", cfg.ID, err)
	}

	displayName := cfg.Name
	if displayName == "" {
		displayName = fmt.Sprintf("%s %s", capability.Name(), capability.Model())
	}

	alias := cfg.Alias
	if alias == "" {
		alias = cfg.ID
	}
	if !strings.HasPrefix(alias, "@") {
		alias = "@" + alias
	}
	normalized := message.Normalize(alias)
	if normalized == "" {
		return nil, fmt.Errorf("alias %q for %s normalizes to nothing", alias, cfg.ID)
	}

	emoji := cfg.Emoji
	if emoji == "" {
		emoji = DefaultEmoji
	}

	return &AIRecord{
		ID:              cfg.ID,
		ProviderKey:     string(cfg.Provider),
		ModelKey:        capability.Model(),
		DisplayName:     displayName,
		DisplayAlias:    strings.TrimPrefix(alias, "@"),
		Alias:           alias,
		NormalizedAlias: normalized,
		Emoji:           emoji,
		Persona:         cfg.Persona,
		IsActive:        true,
		Capability:      capability,
	}, nil
}

// Add registers a fully-built record. Normalized aliases and IDs must be
// unique across the registry.
func (r *Registry) Add(rec AIRecord) error {
	if rec.ID == "" || rec.NormalizedAlias == "" {
		return fmt.Errorf("record requires id and normalized alias")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.ID]; exists {
		return fmt.Errorf("AI %s already registered", rec.ID)
	}
	for _, existing := range r.records {
		if existing.NormalizedAlias == rec.NormalizedAlias {
			return fmt.Errorf("alias %s already taken by %s", rec.Alias, existing.ID)
		}
	}

	stored := rec
	r.records[rec.ID] = &stored
	r.order = append(r.order, rec.ID)
	return nil
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id string) (AIRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok {
		return AIRecord{}, false
	}
	return *rec, true
}

// All returns copies of every record in registration order.
func (r *Registry) All() []AIRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AIRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.records[id])
	}
	return out
}

// Active returns copies of records with IsActive set, in registration order.
func (r *Registry) Active() []AIRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AIRecord
	for _, id := range r.order {
		if rec := r.records[id]; rec.IsActive {
			out = append(out, *rec)
		}
	}
	return out
}

// FindByNormalizedAlias returns the record whose normalized alias matches
// exactly.
func (r *Registry) FindByNormalizedAlias(s string) (AIRecord, bool) {
	if s == "" {
		return AIRecord{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if rec.NormalizedAlias == s {
			return *rec, true
		}
	}
	return AIRecord{}, false
}

// FindFromMessage resolves the AI that sent a context message, preferring
// the explicit AI id, then the carried normalized alias, then normalizing
// the alias or sender display text.
func (r *Registry) FindFromMessage(m message.Message) (AIRecord, bool) {
	if m.AIID != "" {
		if rec, ok := r.Get(m.AIID); ok {
			return rec, true
		}
	}
	if rec, ok := r.FindByNormalizedAlias(m.NormalizedAlias); ok {
		return rec, true
	}
	if rec, ok := r.FindByNormalizedAlias(message.Normalize(m.Alias)); ok {
		return rec, true
	}
	return r.FindByNormalizedAlias(message.Normalize(m.Sender))
}

// MentionToken returns the @handle used to mention the given record.
func MentionToken(rec AIRecord) string {
	if rec.DisplayAlias != "" {
		return "@" + rec.DisplayAlias
	}
	return "@" + strings.TrimPrefix(rec.Alias, "@")
}

// SetActive toggles administrative enablement for an AI.
func (r *Registry) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return fmt.Errorf("AI not found: %s", id)
	}
	rec.IsActive = active
	return nil
}

// SetGenerating flips the transient generation flag for an AI.
func (r *Registry) SetGenerating(id string, generating bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[id]; ok {
		rec.IsGenerating = generating
	}
}

// GeneratingCount returns how many AIs currently have a dispatched,
// uncompleted generation.
func (r *Registry) GeneratingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, rec := range r.records {
		if rec.IsGenerating {
			count++
		}
	}
	return count
}

// MarkResponded records a completed response: clears the generation flag,
// sets JustResponded, and stamps the last response time.
func (r *Registry) MarkResponded(id string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[id]; ok {
		rec.IsGenerating = false
		rec.JustResponded = true
		rec.LastMessageTime = at
	}
}

// ClearJustResponded resets the repeat-suppression flag on every record.
// The hub calls this on each background tick.
func (r *Registry) ClearJustResponded() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		rec.JustResponded = false
	}
}

// Len returns the number of registered AIs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
