// Package store implements a simple key-value store.
package store

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrKeyExists      = errors.New("store: key already exists")
	ErrKeyDoesntExist = errors.New("store: key does not exist")
)

// Store is a concurrency safe key-value store. Set never overwrites: the
// first writer of a key wins and later writers get ErrKeyExists.
type Store interface {
	Set(key string, value any) error
	Get(key string) (any, error)
	Delete(key string) error
	Update(key string, newValue any) error
	Keys(prefix string) []string
}

type MemStore struct {
	lock  sync.RWMutex
	store map[string]any
}

func NewMemStore() *MemStore {
	return &MemStore{
		store: make(map[string]any),
	}
}

// Set is used to set a value to a key.
func (m *MemStore) Set(key string, value any) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.store[key]; ok {
		return ErrKeyExists
	}
	m.store[key] = value
	return nil
}

// Get is used to get a value from a key.
func (m *MemStore) Get(key string) (any, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	v, ok := m.store[key]
	if !ok {
		return nil, ErrKeyDoesntExist
	}
	return v, nil
}

// Delete removes the specified key and value.
func (m *MemStore) Delete(key string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.store[key]; !ok {
		return ErrKeyDoesntExist
	}
	delete(m.store, key)
	return nil
}

// Update can be used to change the value for a given key.
func (m *MemStore) Update(key string, value any) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.store[key]; !ok {
		return ErrKeyDoesntExist
	}
	m.store[key] = value
	return nil
}

// Keys returns the sorted keys starting with prefix.
func (m *MemStore) Keys(prefix string) []string {
	m.lock.RLock()
	defer m.lock.RUnlock()

	keys := make([]string, 0)
	for k := range m.store {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
