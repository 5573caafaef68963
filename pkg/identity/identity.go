// Package identity pins entity ids across extraction calls.
//
// Extractors hand out a fresh id per entity and call. A Resolver rewrites those
// ids so that entities with the same name and type share one id within the
// configured Scope.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/OFFIS-RIT/docgraph/pkg/common"
)

// Scope selects how far entity identity reaches.
type Scope string

const (
	// ScopeNone keeps the extractor's ids; every call yields new nodes.
	ScopeNone Scope = "none"
	// ScopeDocument shares ids between chunks of the same document.
	ScopeDocument Scope = "document"
	// ScopeRun shares ids across all documents of one pipeline run.
	ScopeRun Scope = "run"
	// ScopeGlobal derives the id from type and name, so it is stable everywhere.
	ScopeGlobal Scope = "global"
)

func (s Scope) String() string { return string(s) }

func (s Scope) IsValid() bool {
	switch s {
	case ScopeNone, ScopeDocument, ScopeRun, ScopeGlobal:
		return true
	}
	return false
}

// ParseScope parses a scope name; empty means ScopeNone.
func ParseScope(s string) (Scope, error) {
	if s == "" {
		return ScopeNone, nil
	}
	scope := Scope(strings.ToLower(strings.TrimSpace(s)))
	if !scope.IsValid() {
		return "", fmt.Errorf("invalid identity scope %q", s)
	}
	return scope, nil
}

// Registry maps identity keys to entity ids.
type Registry interface {
	// Claim returns the id stored under key. If the key is new, candidate is
	// stored and returned.
	Claim(ctx context.Context, key, candidate string) (string, error)
}

// Resolver applies a Scope to extraction results.
type Resolver struct {
	scope    Scope
	registry Registry
	runID    string
}

// NewResolver builds a Resolver. Document and run scopes need a registry;
// an in-memory one is used when registry is nil.
func NewResolver(scope Scope, registry Registry, runID string) *Resolver {
	if registry == nil && (scope == ScopeDocument || scope == ScopeRun) {
		registry = NewMemoryRegistry()
	}
	return &Resolver{scope: scope, registry: registry, runID: runID}
}

func (r *Resolver) Scope() Scope { return r.scope }

// Assign returns a copy of res whose entity ids are pinned for documentID.
// Relationship ids are left alone; name resolution runs afterwards.
func (r *Resolver) Assign(ctx context.Context, documentID string, res common.ExtractionResult) (common.ExtractionResult, error) {
	if r == nil || r.scope == ScopeNone || len(res.Entities) == 0 {
		return res, nil
	}

	out := common.ExtractionResult{
		Entities:      make([]common.Entity, len(res.Entities)),
		Relationships: res.Relationships,
	}
	for i, e := range res.Entities {
		id, err := r.entityID(ctx, documentID, e)
		if err != nil {
			return common.ExtractionResult{}, fmt.Errorf("assign id for %q: %w", e.Name, err)
		}
		e.ID = id
		out.Entities[i] = e
	}
	return out, nil
}

func (r *Resolver) entityID(ctx context.Context, documentID string, e common.Entity) (string, error) {
	switch r.scope {
	case ScopeGlobal:
		return DeterministicID(e.Type, e.Name), nil
	case ScopeDocument:
		return r.registry.Claim(ctx, "doc:"+documentID+":"+Key(e.Type, e.Name), e.ID)
	case ScopeRun:
		return r.registry.Claim(ctx, "run:"+r.runID+":"+Key(e.Type, e.Name), e.ID)
	}
	return e.ID, nil
}

// Key is the identity key of an entity: lower-cased type and trimmed name.
func Key(entityType, name string) string {
	return strings.ToLower(strings.TrimSpace(entityType)) + "|" + strings.TrimSpace(name)
}

// DeterministicID hashes the identity key into a stable id of the form
// "entity:<base64url>".
func DeterministicID(entityType, name string) string {
	hash := sha256.Sum256([]byte(Key(entityType, name)))
	return "entity:" + base64.RawURLEncoding.EncodeToString(hash[:12])
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu  sync.Mutex
	ids map[string]string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{ids: make(map[string]string)}
}

func (m *MemoryRegistry) Claim(ctx context.Context, key, candidate string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.ids[key]; ok {
		return id, nil
	}
	m.ids[key] = candidate
	return candidate, nil
}

// Len returns the number of registered keys.
func (m *MemoryRegistry) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}
