//
// Copyright (C) 2026 xpert authors. All rights reserved.
//
// xpert is licensed under the Apache License Version 2.0.
//

// Package store provides the namespaced key-value memory store handed to
// tools and exposed over the HTTP surface.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// Item is one stored entry.
type Item struct {
	// Namespace is the hierarchical scope of the item.
	Namespace []string `json:"namespace"`
	// Key is unique within the namespace.
	Key string `json:"key"`
	// Value is the stored document.
	Value map[string]any `json:"value"`
	// CreatedAt and UpdatedAt track item lifecycle.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is a namespaced key-value store.
type Store interface {
	// Put inserts or replaces the item's value.
	Put(ctx context.Context, namespace []string, key string, value map[string]any) error
	// Get returns the item, or nil when absent.
	Get(ctx context.Context, namespace []string, key string) (*Item, error)
	// Delete removes the item; deleting an absent item is not an error.
	Delete(ctx context.Context, namespace []string, key string) error
	// Search returns items under the namespace prefix whose key or value
	// contains the query, newest first. A zero limit returns everything.
	Search(ctx context.Context, prefix []string, query string, limit int) ([]*Item, error)
}

// namespaceSeparator joins namespace segments into map keys. The unit
// separator cannot appear in reasonable namespace segments.
const namespaceSeparator = "\x1f"

func itemKey(namespace []string, key string) string {
	return strings.Join(namespace, namespaceSeparator) + namespaceSeparator + key
}

// InMemoryStore is a Store held in process memory, safe for concurrent use.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]*Item)}
}

// Put implements Store.
func (s *InMemoryStore) Put(ctx context.Context, namespace []string, key string, value map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	k := itemKey(namespace, key)
	if existing, ok := s.items[k]; ok {
		existing.Value = value
		existing.UpdatedAt = now
		return nil
	}
	s.items[k] = &Item{
		Namespace: append([]string{}, namespace...),
		Key:       key,
		Value:     value,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

// Get implements Store.
func (s *InMemoryStore) Get(ctx context.Context, namespace []string, key string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemKey(namespace, key)]
	if !ok {
		return nil, nil
	}
	clone := *item
	return &clone, nil
}

// Delete implements Store.
func (s *InMemoryStore) Delete(ctx context.Context, namespace []string, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, itemKey(namespace, key))
	return nil
}

// Search implements Store.
func (s *InMemoryStore) Search(ctx context.Context, prefix []string, query string, limit int) ([]*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	query = strings.ToLower(query)
	var matches []*Item
	for _, item := range s.items {
		if !hasNamespacePrefix(item.Namespace, prefix) {
			continue
		}
		if query != "" && !itemMatches(item, query) {
			continue
		}
		clone := *item
		matches = append(matches, &clone)
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].UpdatedAt.After(matches[j].UpdatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func hasNamespacePrefix(namespace, prefix []string) bool {
	if len(prefix) > len(namespace) {
		return false
	}
	for i, seg := range prefix {
		if namespace[i] != seg {
			return false
		}
	}
	return true
}

func itemMatches(item *Item, query string) bool {
	if strings.Contains(strings.ToLower(item.Key), query) {
		return true
	}
	raw, err := json.Marshal(item.Value)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(raw)), query)
}
