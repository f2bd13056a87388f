// Package memstore is an in-memory fake of interfaces.Store for Hub and
// Client unit tests that don't need a live MongoDB, following the
// mutex-guarded mock idiom the teacher uses for its job queue store.
package memstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/bobmcallan/taskqueue/internal/interfaces"
)

// Store is a minimal in-memory document store supporting the subset of
// MongoDB query/update semantics the Hub and Client protocol actually
// exercises: equality and $lt filters, $set/$inc updates, and sort+limit
// reads.
type Store struct {
	mu          sync.Mutex
	collections map[string][]bson.M
	blobs       map[string][]byte
}

var _ interfaces.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		collections: make(map[string][]bson.M),
		blobs:       make(map[string][]byte),
	}
}

func toDoc(v any) (bson.M, error) {
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeInto(doc bson.M, out any) error {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, out)
}

func matches(doc bson.M, filter any) bool {
	d, err := toFilterDoc(filter)
	if err != nil {
		return false
	}
	for _, elem := range d {
		docVal, present := doc[elem.Key]
		switch cond := elem.Value.(type) {
		case bson.D:
			for _, op := range cond {
				if !matchOp(op.Key, docVal, op.Value) {
					return false
				}
			}
		case bson.M:
			for k, v := range cond {
				if !matchOp(k, docVal, v) {
					return false
				}
			}
		default:
			if !present || !valuesEqual(docVal, cond) {
				return false
			}
		}
	}
	return true
}

func matchOp(op string, docVal, opVal any) bool {
	switch op {
	case "$lt":
		return compare(docVal, opVal) < 0
	case "$lte":
		return compare(docVal, opVal) <= 0
	case "$gt":
		return compare(docVal, opVal) > 0
	case "$gte":
		return compare(docVal, opVal) >= 0
	default:
		return valuesEqual(docVal, opVal)
	}
}

func toFilterDoc(filter any) (bson.D, error) {
	switch f := filter.(type) {
	case bson.D:
		return f, nil
	case bson.M:
		d := make(bson.D, 0, len(f))
		for k, v := range f {
			d = append(d, bson.E{Key: k, Value: v})
		}
		return d, nil
	default:
		raw, err := bson.Marshal(filter)
		if err != nil {
			return nil, err
		}
		var d bson.D
		if err := bson.Unmarshal(raw, &d); err != nil {
			return nil, err
		}
		return d, nil
	}
}

func valuesEqual(a, b any) bool {
	return toComparable(a) == toComparable(b)
}

func compare(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	// Reflect on the kind so named numeric types (models.State,
	// primitive.DateTime) compare like their underlying integers.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

func toComparable(v any) any {
	if f, ok := toFloat(v); ok {
		return f
	}
	return v
}

func applyUpdate(doc bson.M, update any) (bson.M, error) {
	ud, err := toFilterDoc(update)
	if err != nil {
		return nil, err
	}

	result := bson.M{}
	for k, v := range doc {
		result[k] = v
	}

	for _, elem := range ud {
		switch elem.Key {
		case "$set":
			setDoc, err := toFilterDoc(elem.Value)
			if err != nil {
				return nil, err
			}
			for _, s := range setDoc {
				result[s.Key] = s.Value
			}
		case "$inc":
			incDoc, err := toFilterDoc(elem.Value)
			if err != nil {
				return nil, err
			}
			for _, s := range incDoc {
				cur, _ := toFloat(result[s.Key])
				delta, _ := toFloat(s.Value)
				result[s.Key] = int(cur + delta)
			}
		default:
			return nil, fmt.Errorf("memstore: unsupported update operator %q", elem.Key)
		}
	}
	return result, nil
}

// Insert adds doc to collection, assigning a fresh ObjectID if none is set.
func (s *Store) Insert(_ context.Context, collection string, doc any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := toDoc(doc)
	if err != nil {
		return nil, err
	}
	id, ok := m["_id"]
	if !ok || id == nil {
		id = primitive.NewObjectID()
		m["_id"] = id
	}

	s.collections[collection] = append(s.collections[collection], m)
	return id, nil
}

// FindAndModify applies the first match atomically (the in-process mutex
// stands in for MongoDB's document-level atomicity) and decodes the
// pre-update document into out.
func (s *Store) FindAndModify(_ context.Context, collection string, filter, update any, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collections[collection]
	for i, doc := range docs {
		if !matches(doc, filter) {
			continue
		}
		if err := decodeInto(doc, out); err != nil {
			return false, err
		}
		updated, err := applyUpdate(doc, update)
		if err != nil {
			return false, err
		}
		docs[i] = updated
		return true, nil
	}
	return false, nil
}

// Update applies update to every matching document.
func (s *Store) Update(_ context.Context, collection string, filter, update any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collections[collection]
	var n int64
	for i, doc := range docs {
		if !matches(doc, filter) {
			continue
		}
		updated, err := applyUpdate(doc, update)
		if err != nil {
			return n, err
		}
		docs[i] = updated
		n++
	}
	return n, nil
}

// FindOne decodes the first matching document into out.
func (s *Store) FindOne(_ context.Context, collection string, filter any, out any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range s.collections[collection] {
		if matches(doc, filter) {
			return true, decodeInto(doc, out)
		}
	}
	return false, nil
}

// Query decodes every matching document into out, honoring Sort and Limit.
func (s *Store) Query(_ context.Context, collection string, filter any, opts interfaces.QueryOptions, out any) error {
	s.mu.Lock()
	var matched []bson.M
	for _, doc := range s.collections[collection] {
		if matches(doc, filter) {
			matched = append(matched, doc)
		}
	}
	s.mu.Unlock()

	if len(opts.Sort) > 0 {
		field := opts.Sort[0].Key
		desc := toInt(opts.Sort[0].Value) < 0
		sort.SliceStable(matched, func(i, j int) bool {
			c := compare(lookup(matched[i], field), lookup(matched[j], field))
			if desc {
				return c > 0
			}
			return c < 0
		})
	}

	if opts.Skip > 0 && int64(len(matched)) > opts.Skip {
		matched = matched[opts.Skip:]
	} else if opts.Skip > 0 {
		matched = nil
	}
	if opts.Limit > 0 && int64(len(matched)) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	raw, err := bson.Marshal(bson.M{"items": matched})
	if err != nil {
		return err
	}
	var wrapper struct {
		Items bson.RawValue `bson:"items"`
	}
	if err := bson.Unmarshal(raw, &wrapper); err != nil {
		return err
	}
	return wrapper.Items.Unmarshal(out)
}

// lookup resolves a possibly dotted field path such as "result.loss" in doc.
func lookup(doc bson.M, path string) any {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil
	}
	val, err := bson.Raw(raw).LookupErr(strings.Split(path, ".")...)
	if err != nil {
		return nil
	}
	var out any
	if err := val.Unmarshal(&out); err != nil {
		return nil
	}
	return out
}

func toInt(v any) int {
	f, _ := toFloat(v)
	return int(f)
}

// Count reports the number of documents matching filter.
func (s *Store) Count(_ context.Context, collection string, filter any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, doc := range s.collections[collection] {
		if matches(doc, filter) {
			n++
		}
	}
	return n, nil
}

// Drop clears every document in collection.
func (s *Store) Drop(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	return nil
}

// EnsureIndexes is a no-op: the in-memory store has no index concept.
func (s *Store) EnsureIndexes(_ context.Context) error { return nil }

// StoreBlob stores r's bytes under a fresh filename.
func (s *Store) StoreBlob(_ context.Context, r io.Reader, _ string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	filename := primitive.NewObjectID().Hex()
	s.blobs[filename] = data
	return filename, nil
}

// OpenBlob returns the bytes stored under filename.
func (s *Store) OpenBlob(_ context.Context, filename string) (io.ReadCloser, error) {
	s.mu.Lock()
	data, ok := s.blobs[filename]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memstore: blob %s not found", filename)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Close is a no-op.
func (s *Store) Close(_ context.Context) error { return nil }
