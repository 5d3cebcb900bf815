package docstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/petal-labs/frappemcp/session"
)

type memEntry struct {
	seq uint64
	doc Document
}

// MemoryStore is a thread-safe in-memory document store.
type MemoryStore struct {
	schema *Schema
	now    func() time.Time

	mu      sync.RWMutex
	seq     uint64
	entries map[string]map[string]memEntry // doctype -> name -> entry
}

// NewMemoryStore creates an empty store over schema.
func NewMemoryStore(schema *Schema) *MemoryStore {
	return &MemoryStore{
		schema:  schema,
		now:     time.Now,
		entries: make(map[string]map[string]memEntry),
	}
}

func (s *MemoryStore) Meta(_ context.Context, doctype string) (DocType, error) {
	return s.schema.meta(doctype)
}

func (s *MemoryStore) GetAll(ctx context.Context, q ListQuery) ([]Document, error) {
	meta, err := s.schema.meta(q.DocType)
	if err != nil {
		return nil, err
	}
	order, err := checkQuery(meta, q)
	if err != nil {
		return nil, err
	}
	scope, err := meta.readScope(session.FromContext(ctx))
	if err != nil {
		return nil, err
	}
	filters := coerceFilters(meta, q.Filters)

	s.mu.RLock()
	matched := make([]memEntry, 0, len(s.entries[meta.Name]))
	for _, entry := range s.entries[meta.Name] {
		if MatchAll(entry.doc, filters) && MatchAny(entry.doc, scope) {
			matched = append(matched, entry)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b memEntry) int {
		cmp, _ := compareValues(a.doc[order.field], b.doc[order.field])
		if cmp == 0 {
			// Later inserts first, matching the SQLite store's tie-break.
			switch {
			case a.seq > b.seq:
				cmp = -1
			case a.seq < b.seq:
				cmp = 1
			}
			return cmp
		}
		if order.desc {
			return -cmp
		}
		return cmp
	})
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	docs := make([]Document, 0, len(matched))
	for _, entry := range matched {
		docs = append(docs, entry.doc.Pick(q.Fields))
	}
	return docs, nil
}

func (s *MemoryStore) GetDoc(_ context.Context, doctype, name string) (Document, error) {
	if err := requireName(doctype, name); err != nil {
		return nil, err
	}
	if _, err := s.schema.meta(doctype); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[doctype][name]
	if !ok {
		return nil, &NotFoundError{DocType: doctype, Name: name}
	}
	return entry.doc.Clone(), nil
}

func (s *MemoryStore) Insert(ctx context.Context, doctype string, fields map[string]any) (Document, error) {
	meta, err := s.schema.meta(doctype)
	if err != nil {
		return nil, err
	}
	user := session.FromContext(ctx)
	doc, err := prepareInsert(meta, fields, user.Name, s.now())
	if err != nil {
		return nil, err
	}
	if !meta.Permitted(user, PermCreate, doc) {
		return nil, &PermissionError{DocType: meta.Name, Perm: PermCreate}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byName := s.entries[meta.Name]
	if byName == nil {
		byName = make(map[string]memEntry)
		s.entries[meta.Name] = byName
	}
	if _, exists := byName[doc.Name()]; exists {
		return nil, &DuplicateError{DocType: meta.Name, Name: doc.Name()}
	}
	s.seq++
	byName[doc.Name()] = memEntry{seq: s.seq, doc: doc}
	return doc.Clone(), nil
}

func (s *MemoryStore) HasPermission(ctx context.Context, doctype, name string, perm PermType) (bool, error) {
	meta, err := s.schema.meta(doctype)
	if err != nil {
		return false, err
	}
	user := session.FromContext(ctx)
	if name == "" {
		return meta.Permitted(user, perm, nil), nil
	}
	doc, err := s.GetDoc(ctx, doctype, name)
	if err != nil {
		return false, err
	}
	return meta.Permitted(user, perm, doc), nil
}

func (s *MemoryStore) Close() error { return nil }

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)
