// Implements the collection store: optimistic read-modify-write over a blob store.

package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/maruel/gitdocs/internal/blobstore"
)

// DefaultBasePath is the directory holding the collection blobs.
const DefaultBasePath = "data"

// Option configures a Store.
type Option func(*Store)

// WithBasePath sets the directory of the collection blobs.
func WithBasePath(p string) Option {
	return func(s *Store) {
		s.basePath = strings.Trim(p, "/")
	}
}

// WithSchemas registers schemas keyed by collection name.
func WithSchemas(schemas map[string]*Schema) Option {
	return func(s *Store) {
		maps.Copy(s.schemas, schemas)
	}
}

// WithAuditLog makes the store record into l instead of a private log.
func WithAuditLog(l *AuditLog) Option {
	return func(s *Store) {
		s.audit = l
	}
}

// WithCollectionLocks serializes the read-modify-write cycles of this Store
// per collection. Without it, concurrent in-process mutations of the same
// collection may fail with ErrConflict like cross-process ones do.
func WithCollectionLocks() Option {
	return func(s *Store) {
		s.lockCollections = true
	}
}

// Store provides record operations on collections kept in a blob store.
//
// It holds no copy of any collection: every call reads the current blob.
type Store struct {
	blobs           blobstore.Store
	basePath        string
	audit           *AuditLog
	lockCollections bool
	locks           sync.Map // collection -> *sync.Mutex

	mu      sync.RWMutex
	schemas map[string]*Schema
}

// New returns a Store on blobs.
func New(blobs blobstore.Store, opts ...Option) *Store {
	s := &Store{
		blobs:    blobs,
		basePath: DefaultBasePath,
		schemas:  make(map[string]*Schema),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.audit == nil {
		s.audit = NewAuditLog()
	}
	return s
}

// Audit returns the audit log the store records into.
func (s *Store) Audit() *AuditLog {
	return s.audit
}

// SetSchema registers schema for collection. A nil schema removes it.
func (s *Store) SetSchema(collection string, schema *Schema) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if schema == nil {
		delete(s.schemas, collection)
		return
	}
	s.schemas[collection] = schema
}

// Schema returns the schema registered for collection, or nil.
func (s *Store) Schema(collection string) *Schema {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemas[collection]
}

// Validate checks r against the schema of collection, if any.
func (s *Store) Validate(collection string, r Record) error {
	return s.Schema(collection).Validate(collection, r)
}

// Path returns the blob path of collection.
func (s *Store) Path(collection string) (string, error) {
	if collection == "" || collection == "." || collection == ".." || strings.ContainsAny(collection, "/\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidCollection, collection)
	}
	return path.Join(s.basePath, collection+".json"), nil
}

// Get returns all records of collection.
//
// A collection that does not exist yet is created empty.
func (s *Store) Get(ctx context.Context, collection string) ([]Record, error) {
	p, err := s.Path(collection)
	if err != nil {
		return nil, err
	}
	snap, err := s.read(ctx, p)
	if err == nil {
		return snap.records, nil
	}
	if !errors.Is(err, blobstore.ErrNotFound) {
		return nil, err
	}
	data, _ := encodeCollection(nil)
	if _, err = s.blobs.Write(ctx, p, data, fmt.Sprintf("create %s", collection), ""); err == nil {
		slog.DebugContext(ctx, "docstore: created collection", "collection", collection)
		return []Record{}, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, err
	}
	// Someone else created it first.
	if snap, err = s.read(ctx, p); err != nil {
		return nil, err
	}
	return snap.records, nil
}

// GetItem returns the first record whose id or uid equals key.
func (s *Store) GetItem(ctx context.Context, collection, key string) (Record, bool, error) {
	records, err := s.Get(ctx, collection)
	if err != nil {
		return nil, false, err
	}
	if i := findKey(records, key); i >= 0 {
		return records[i], true, nil
	}
	return nil, false, nil
}

// Insert adds one record to collection and returns it with its id and uid.
//
// Schema defaults are merged under partial before validation. Caller
// supplied "id" and "uid" fields are replaced.
func (s *Store) Insert(ctx context.Context, collection string, partial Record) (Record, error) {
	out, err := s.BulkInsert(ctx, collection, []Record{partial})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// BulkInsert adds records to collection with a single write.
//
// Ids are allocated contiguously from max(existing ids, 0)+1 in input order.
// If any record fails validation nothing is written.
func (s *Store) BulkInsert(ctx context.Context, collection string, partials []Record) ([]Record, error) {
	if len(partials) == 0 {
		return []Record{}, nil
	}
	schema := s.Schema(collection)
	prepared := make([]Record, len(partials))
	for i, partial := range partials {
		r, err := normalizeRecord(schema.withDefaults(partial))
		if err != nil {
			return nil, fmt.Errorf("%s: item %d: %w", collection, i, err)
		}
		if err := schema.Validate(collection, r); err != nil {
			return nil, err
		}
		prepared[i] = r
	}

	var inserted []Record
	err := s.modify(ctx, collection, func(records []Record) ([]Record, string, error) {
		id := maxID(records)
		inserted = make([]Record, len(prepared))
		for i, r := range prepared {
			var err error
			if id, err = nextID(id); err != nil {
				return nil, "", fmt.Errorf("%s: %w", collection, err)
			}
			r = r.Clone()
			r[FieldID] = strconv.FormatInt(id, 10)
			r[FieldUID] = newUID()
			inserted[i] = r
			records = append(records, r)
		}
		if len(inserted) == 1 {
			return records, fmt.Sprintf("insert %s: id %s", collection, inserted[0].ID()), nil
		}
		return records, fmt.Sprintf("insert %s: ids %s-%s", collection, inserted[0].ID(), inserted[len(inserted)-1].ID()), nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Record, len(inserted))
	for i, r := range inserted {
		s.audit.Record(collection, ActionInsert, r)
		out[i] = r.Clone()
	}
	return out, nil
}

// Update shallow-merges patch over the first record matching key.
//
// Fields absent from patch are preserved; nested objects are replaced, not
// merged. The "id" and "uid" fields of patch are ignored. Returns false with
// no error and no write when no record matches.
func (s *Store) Update(ctx context.Context, collection, key string, patch Record) (Record, bool, error) {
	patch, err := normalizeRecord(patch)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", collection, err)
	}
	delete(patch, FieldID)
	delete(patch, FieldUID)
	schema := s.Schema(collection)

	var merged Record
	err = s.modify(ctx, collection, func(records []Record) ([]Record, string, error) {
		i := findKey(records, key)
		if i < 0 {
			return nil, "", nil
		}
		merged = records[i].Clone()
		maps.Copy(merged, patch)
		if schema != nil && schema.Strict {
			if err := schema.Validate(collection, merged); err != nil {
				return nil, "", err
			}
		}
		records[i] = merged
		return records, fmt.Sprintf("update %s: id %s", collection, merged.ID()), nil
	})
	if err != nil || merged == nil {
		return nil, false, err
	}
	s.audit.Record(collection, ActionUpdate, merged)
	return merged.Clone(), true, nil
}

// Delete removes the first record matching key and reports whether one was
// removed. Nothing is written when no record matches.
func (s *Store) Delete(ctx context.Context, collection, key string) (bool, error) {
	var removed Record
	err := s.modify(ctx, collection, func(records []Record) ([]Record, string, error) {
		i := findKey(records, key)
		if i < 0 {
			return nil, "", nil
		}
		removed = records[i]
		return slices.Delete(records, i, i+1), fmt.Sprintf("delete %s: id %s", collection, removed.ID()), nil
	})
	if err != nil || removed == nil {
		return false, err
	}
	s.audit.Record(collection, ActionDelete, removed)
	return true, nil
}

// Collections returns the names of the collections present in the store.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	entries, err := s.blobs.List(ctx, s.basePath)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return []string{}, nil
		}
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		if name, ok := strings.CutSuffix(e.Name, ".json"); ok && e.IsFile && name != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// Query returns a lazy query on collection.
func (s *Store) Query(collection string) Query {
	return Query{store: s, collection: collection}
}

//

// snapshot is a decoded collection and the version it was read at.
type snapshot struct {
	records []Record
	version blobstore.Version
}

func (s *Store) read(ctx context.Context, p string) (*snapshot, error) {
	b, err := s.blobs.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	records, err := decodeCollection(b.Content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	slog.DebugContext(ctx, "docstore: read", "path", p, "version", b.Version, "records", len(records))
	return &snapshot{records: records, version: b.Version}, nil
}

// modify runs one read-modify-write cycle on collection.
//
// fn receives the current records and returns the records to write with the
// commit message, or nil records to skip the write. A missing collection is
// seen as empty and created by the write.
func (s *Store) modify(ctx context.Context, collection string, fn func([]Record) ([]Record, string, error)) error {
	p, err := s.Path(collection)
	if err != nil {
		return err
	}
	defer s.lock(collection)()

	snap, err := s.read(ctx, p)
	if err != nil {
		if !errors.Is(err, blobstore.ErrNotFound) {
			return err
		}
		snap = &snapshot{records: []Record{}}
	}
	records, msg, err := fn(snap.records)
	if err != nil || records == nil {
		return err
	}
	data, err := encodeCollection(records)
	if err != nil {
		return err
	}
	v, err := s.blobs.Write(ctx, p, data, msg, snap.version)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			slog.WarnContext(ctx, "docstore: write lost version race", "collection", collection, "version", snap.version)
			return fmt.Errorf("%s: %w", collection, err)
		}
		return err
	}
	slog.DebugContext(ctx, "docstore: wrote", "path", p, "version", v, "message", msg)
	return nil
}

// lock acquires the per-collection lock if enabled and returns its release.
func (s *Store) lock(collection string) func() {
	if !s.lockCollections {
		return func() {}
	}
	m, _ := s.locks.LoadOrStore(collection, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// findKey returns the index of the first record matching key, or -1.
func findKey(records []Record, key string) int {
	return slices.IndexFunc(records, func(r Record) bool { return r.matchesKey(key) })
}
