package policy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/proofvault/internal/model"
)

// Resolver maps a role to its authorized data surface.
//
// Implementations fail closed: a role without a (valid) policy resolves to
// the empty schema. A non-nil error reports a backend fault; the returned
// schema is then empty as well.
type Resolver interface {
	Resolve(ctx context.Context, role model.Role) (AuthorizedSchema, error)
}

// Resolve returns a copy of the role's schema, or the empty schema.
func (d *Document) Resolve(_ context.Context, role model.Role) (AuthorizedSchema, error) {
	if d == nil {
		return AuthorizedSchema{}, nil
	}
	s, ok := d.Roles[role]
	if !ok {
		return AuthorizedSchema{}, nil
	}
	return s.Clone(), nil
}

// FileResolver serves a policy file and can swap it atomically on reload.
type FileResolver struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	doc  *Document
	hash string
}

// NewFileResolver loads path. A missing file authorizes nothing; an invalid
// file is an error so misconfiguration is caught at startup.
func NewFileResolver(path string, logger *slog.Logger) (*FileResolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, hash, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if hash == EmptyHash {
		logger.Warn("policy file not found, all roles resolve to an empty schema", "path", path)
	}
	return &FileResolver{path: path, logger: logger, doc: doc, hash: hash}, nil
}

// Resolve implements Resolver.
func (r *FileResolver) Resolve(ctx context.Context, role model.Role) (AuthorizedSchema, error) {
	r.mu.RLock()
	doc := r.doc
	r.mu.RUnlock()
	return doc.Resolve(ctx, role)
}

// Hash returns the SHA-256 of the currently loaded policy bytes.
func (r *FileResolver) Hash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hash
}

// Path returns the watched policy file path.
func (r *FileResolver) Path() string {
	return r.path
}

// Reload re-reads the file. If the new content is invalid the resolver
// drops to the empty document rather than keep serving grants that may
// have been revoked by the broken edit.
func (r *FileResolver) Reload() error {
	doc, hash, err := LoadFile(r.path)
	if err != nil {
		r.mu.Lock()
		r.doc = &Document{Roles: map[model.Role]AuthorizedSchema{}}
		r.hash = EmptyHash
		r.mu.Unlock()
		r.logger.Error("policy reload failed, serving empty policy", "path", r.path, "error", err)
		return err
	}
	r.mu.Lock()
	r.doc = doc
	r.hash = hash
	r.mu.Unlock()
	r.logger.Info("policy reloaded", "path", r.path, "hash", hash)
	return nil
}

// CachedResolver memoizes another resolver for at most TTL per role.
// TTL is the deployer-documented staleness bound for revocations.
type CachedResolver struct {
	inner Resolver
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[model.Role]cacheEntry
}

type cacheEntry struct {
	schema  AuthorizedSchema
	fetched time.Time
}

// NewCachedResolver wraps inner. A non-positive ttl disables caching.
func NewCachedResolver(inner Resolver, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[model.Role]cacheEntry),
	}
}

// Resolve implements Resolver. Backend errors are never cached.
func (c *CachedResolver) Resolve(ctx context.Context, role model.Role) (AuthorizedSchema, error) {
	if c.ttl <= 0 {
		return c.inner.Resolve(ctx, role)
	}

	c.mu.Lock()
	e, ok := c.entries[role]
	c.mu.Unlock()
	if ok && c.now().Sub(e.fetched) < c.ttl {
		return e.schema.Clone(), nil
	}

	s, err := c.inner.Resolve(ctx, role)
	if err != nil {
		return AuthorizedSchema{}, err
	}

	c.mu.Lock()
	c.entries[role] = cacheEntry{schema: s.Clone(), fetched: c.now()}
	c.mu.Unlock()
	return s, nil
}

// Invalidate drops every cached entry.
func (c *CachedResolver) Invalidate() {
	c.mu.Lock()
	c.entries = make(map[model.Role]cacheEntry)
	c.mu.Unlock()
}
