package contribution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"engagement-pricer/internal/blob"
)

// Filter narrows a query. Zero values leave a dimension unrestricted.
type Filter struct {
	Type EngagementType
	From time.Time
	To   time.Time
}

func (f *Filter) active() bool {
	return f != nil && (f.Type != "" || !f.From.IsZero() || !f.To.IsZero())
}

func (f *Filter) match(meta Metadata) bool {
	if f.Type != "" && meta.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && meta.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !meta.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// QueryResult lists matching refs in index order. Omitted holds refs whose
// metadata could not be resolved; they stay indexed.
type QueryResult struct {
	Refs    []string
	Omitted []string
}

// Repository is the contribution index consumed by the pipeline.
type Repository interface {
	Index(assetID, ref string, meta Metadata) bool
	Query(ctx context.Context, assetID string, filter *Filter) (QueryResult, error)
	Contains(assetID, ref string) bool
	Metadata(ref string) (Metadata, bool)
	Assets() []string
}

// MetadataLoader resolves metadata for a ref missing from the cache.
type MetadataLoader interface {
	LoadMetadata(ctx context.Context, ref string) (Metadata, error)
}

// Store is an in-memory Repository. Index lists and the metadata cache live for
// the lifetime of the Store.
type Store struct {
	mu      sync.RWMutex
	refs    map[string][]string
	indexed map[string]map[string]struct{}
	cache   map[string]Metadata

	loader  MetadataLoader
	timeout time.Duration
	logger  zerolog.Logger
}

// StoreOptions tune metadata resolution.
type StoreOptions struct {
	Loader      MetadataLoader
	LoadTimeout time.Duration
}

// NewStore constructs an empty Store.
func NewStore(opts StoreOptions, logger zerolog.Logger) *Store {
	timeout := opts.LoadTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{
		refs:    make(map[string][]string),
		indexed: make(map[string]map[string]struct{}),
		cache:   make(map[string]Metadata),
		loader:  opts.Loader,
		timeout: timeout,
		logger:  logger.With().Str("component", "contribution_store").Logger(),
	}
}

// Index appends ref to the asset list when absent and always refreshes the
// cached metadata. It reports whether the ref was newly appended.
func (s *Store) Index(assetID, ref string, meta Metadata) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache[ref] = meta

	seen, ok := s.indexed[assetID]
	if !ok {
		seen = make(map[string]struct{})
		s.indexed[assetID] = seen
	}
	if _, dup := seen[ref]; dup {
		return false
	}
	seen[ref] = struct{}{}
	s.refs[assetID] = append(s.refs[assetID], ref)
	return true
}

// Query returns the asset's refs in index order, optionally filtered.
func (s *Store) Query(ctx context.Context, assetID string, filter *Filter) (QueryResult, error) {
	s.mu.RLock()
	refs := append([]string(nil), s.refs[assetID]...)
	s.mu.RUnlock()

	if !filter.active() {
		return QueryResult{Refs: refs}, nil
	}

	result := QueryResult{Refs: make([]string, 0, len(refs))}
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return QueryResult{}, err
		}

		meta, ok := s.resolve(ctx, ref)
		if !ok {
			result.Omitted = append(result.Omitted, ref)
			continue
		}
		if filter.match(meta) {
			result.Refs = append(result.Refs, ref)
		}
	}
	return result, nil
}

func (s *Store) resolve(ctx context.Context, ref string) (Metadata, bool) {
	if meta, ok := s.Metadata(ref); ok {
		return meta, true
	}
	if s.loader == nil {
		return Metadata{}, false
	}

	loadCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	meta, err := s.loader.LoadMetadata(loadCtx, ref)
	if err != nil {
		s.logger.Warn().Err(err).Str("ref", ref).Msg("metadata unavailable; omitting from query")
		return Metadata{}, false
	}

	s.mu.Lock()
	s.cache[ref] = meta
	s.mu.Unlock()
	return meta, true
}

// Contains reports whether ref is already indexed for the asset.
func (s *Store) Contains(assetID, ref string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.indexed[assetID][ref]
	return ok
}

// Metadata returns cached metadata for ref.
func (s *Store) Metadata(ref string) (Metadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.cache[ref]
	return meta, ok
}

// Assets lists every asset with at least one indexed ref.
func (s *Store) Assets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.refs))
	for id := range s.refs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// BlobLoader resolves metadata by reading and decoding the stored contribution.
type BlobLoader struct {
	blobs blob.Getter
}

// NewBlobLoader wraps a blob Getter.
func NewBlobLoader(blobs blob.Getter) *BlobLoader {
	return &BlobLoader{blobs: blobs}
}

// LoadMetadata fetches ref and extracts its metadata.
func (l *BlobLoader) LoadMetadata(ctx context.Context, ref string) (Metadata, error) {
	c, err := l.Load(ctx, ref)
	if err != nil {
		return Metadata{}, err
	}
	return c.Metadata(), nil
}

// Load fetches and decodes the full contribution stored under ref.
func (l *BlobLoader) Load(ctx context.Context, ref string) (Contribution, error) {
	raw, err := l.blobs.Get(ctx, ref)
	if err != nil {
		return Contribution{}, fmt.Errorf("load contribution %s: %w", ref, err)
	}
	c, err := Decode(ref, raw)
	if err != nil {
		return Contribution{}, fmt.Errorf("decode contribution %s: %w", ref, err)
	}
	return c, nil
}

var (
	_ Repository     = (*Store)(nil)
	_ MetadataLoader = (*BlobLoader)(nil)
)
