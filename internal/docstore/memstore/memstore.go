// Package memstore is an in-process docstore.Store. It backs tests and
// single-node development runs.
package memstore

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rentdesk/messaging/internal/docstore"
)

type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]docstore.Document
	subs        map[string]map[*subscription]struct{}
}

func New() *Store {
	return &Store{
		collections: make(map[string]map[string]docstore.Document),
		subs:        make(map[string]map[*subscription]struct{}),
	}
}

func (s *Store) Create(ctx context.Context, collection string, doc docstore.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := doc.ID()
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collection(collection)
	if _, exists := coll[id]; exists {
		return "", fmt.Errorf("memstore: %s/%s: %w", collection, id, docstore.ErrAlreadyExists)
	}
	stored := cloneDoc(doc)
	stored[docstore.IDField] = id
	coll[id] = stored
	s.notifyLocked(collection)
	return id, nil
}

func (s *Store) Get(ctx context.Context, collection, id string) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, docstore.ErrNotFound
	}
	return cloneDoc(doc), nil
}

func (s *Store) UpdateFields(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return docstore.ErrNotFound
	}
	for key, val := range fields {
		if key == docstore.IDField {
			continue
		}
		applyField(doc, key, val)
	}
	s.notifyLocked(collection)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.BatchDelete(ctx, collection, []string{id})
}

func (s *Store) BatchDelete(ctx context.Context, collection string, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collections[collection]
	removed := 0
	for _, id := range ids {
		if _, ok := coll[id]; ok {
			delete(coll, id)
			removed++
		}
	}
	if removed > 0 {
		s.notifyLocked(collection)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, collection string, q docstore.Query) ([]docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryLocked(collection, q), nil
}

// Len returns the number of documents in a collection.
func (s *Store) Len(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections[collection])
}

func (s *Store) collection(name string) map[string]docstore.Document {
	coll, ok := s.collections[name]
	if !ok {
		coll = make(map[string]docstore.Document)
		s.collections[name] = coll
	}
	return coll
}

func (s *Store) queryLocked(collection string, q docstore.Query) []docstore.Document {
	var out []docstore.Document
	for _, doc := range s.collections[collection] {
		if matches(doc, q.Filters) {
			out = append(out, doc)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range q.OrderBy {
			c := compare(out[i][o.Field], out[j][o.Field])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		// Map iteration is random; fall back to the id for a stable result.
		return out[i].ID() < out[j].ID()
	})

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	for i, doc := range out {
		out[i] = cloneDoc(doc)
	}
	return out
}

func matches(doc docstore.Document, filters []docstore.Filter) bool {
	for _, f := range filters {
		v, present := doc[f.Field]
		switch f.Op {
		case docstore.OpEqual:
			if !present || !equal(v, f.Value) {
				return false
			}
		case docstore.OpNotEqual:
			if present && equal(v, f.Value) {
				return false
			}
		case docstore.OpArrayContains:
			if indexOf(docstore.ToSlice(v), f.Value) < 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func applyField(doc docstore.Document, key string, val any) {
	switch op := val.(type) {
	case docstore.DeleteOp:
		delete(doc, key)
	case docstore.ArrayUnionOp:
		arr := docstore.ToSlice(doc[key])
		for _, v := range op.Values {
			if indexOf(arr, v) < 0 {
				arr = append(arr, cloneValue(v))
			}
		}
		doc[key] = arr
	case docstore.ArrayRemoveOp:
		arr := docstore.ToSlice(doc[key])
		kept := make([]any, 0, len(arr))
		for _, e := range arr {
			if indexOf(op.Values, e) < 0 {
				kept = append(kept, e)
			}
		}
		doc[key] = kept
	case docstore.AppendOp:
		arr := docstore.ToSlice(doc[key])
		for _, v := range op.Values {
			arr = append(arr, cloneValue(v))
		}
		doc[key] = arr
	default:
		doc[key] = cloneValue(val)
	}
}

func indexOf(arr []any, v any) int {
	for i, e := range arr {
		if equal(e, v) {
			return i
		}
	}
	return -1
}

func equal(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

// compare orders values of the same kind. Missing values sort first.
func compare(a, b any) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	switch va := a.(type) {
	case time.Time:
		if vb, ok := b.(time.Time); ok {
			return va.Compare(vb)
		}
	case string:
		if vb, ok := b.(string); ok {
			switch {
			case va < vb:
				return -1
			case va > vb:
				return 1
			}
			return 0
		}
	case bool:
		if vb, ok := b.(bool); ok && va != vb {
			if !va {
				return -1
			}
			return 1
		}
		return 0
	}
	fa, oka := number(a)
	fb, okb := number(b)
	if oka && okb {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
	}
	return 0
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func cloneDoc(doc docstore.Document) docstore.Document {
	out := make(docstore.Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case docstore.Document:
		return cloneDoc(t)
	case map[string]any:
		return cloneDoc(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return docstore.ToSlice(t)
	case []docstore.Document, []map[string]any:
		return cloneValue(docstore.ToSlice(t))
	}
	return v
}
