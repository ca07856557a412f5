package cache

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/opnlabs/dotflow/pkg/store"
)

// Entry describes one immutable cache entry.
type Entry struct {
	Key        string    `json:"key"`
	Scope      string    `json:"scope"`
	Size       int64     `json:"size"`
	BlobKey    string    `json:"blob_key"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// Index records cache entries per scope. Put never replaces an entry: the
// first writer of a key wins and later writers get created == false.
type Index interface {
	Get(ctx context.Context, scope, key string) (Entry, error)
	Put(ctx context.Context, e Entry) (created bool, err error)
	List(ctx context.Context, scope string) ([]Entry, error)
	Touch(ctx context.Context, scope, key string, at time.Time) error
	Delete(ctx context.Context, scope, key string) error
}

// MemIndex is an Index backed by an in-process store.
type MemIndex struct {
	s *store.MemStore
}

func NewMemIndex() *MemIndex {
	return &MemIndex{s: store.NewMemStore()}
}

func memKey(scope, key string) string { return scope + "\x00" + key }

func (m *MemIndex) Get(_ context.Context, scope, key string) (Entry, error) {
	v, err := m.s.Get(memKey(scope, key))
	if errors.Is(err, store.ErrKeyDoesntExist) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (m *MemIndex) Put(_ context.Context, e Entry) (bool, error) {
	err := m.s.Set(memKey(e.Scope, e.Key), e)
	if errors.Is(err, store.ErrKeyExists) {
		return false, nil
	}
	return err == nil, err
}

func (m *MemIndex) List(_ context.Context, scope string) ([]Entry, error) {
	keys := m.s.Keys(scope + "\x00")
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		v, err := m.s.Get(k)
		if err != nil {
			continue
		}
		out = append(out, v.(Entry))
	}
	sortByCreated(out)
	return out, nil
}

func (m *MemIndex) Touch(_ context.Context, scope, key string, at time.Time) error {
	k := memKey(scope, key)
	v, err := m.s.Get(k)
	if err != nil {
		return ErrEntryNotFound
	}
	e := v.(Entry)
	e.LastAccess = at
	return m.s.Update(k, e)
}

func (m *MemIndex) Delete(_ context.Context, scope, key string) error {
	err := m.s.Delete(memKey(scope, key))
	if errors.Is(err, store.ErrKeyDoesntExist) {
		return nil
	}
	return err
}

// sortByCreated orders entries newest first, breaking ties by key.
func sortByCreated(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].Key > entries[j].Key
	})
}
