package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotFound is returned when no transport holds the requested content.
	ErrNotFound = errors.New("blob: not found")
)

// Getter reads immutable content by its content reference.
type Getter interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// ContentRef derives the content reference used for data.
func ContentRef(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Memory is an in-process content-addressed store.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

// Put stores data and returns its content reference.
func (m *Memory) Put(data []byte) string {
	ref := ContentRef(data)
	m.PutRef(ref, data)
	return ref
}

// PutRef stores data under an externally assigned reference.
func (m *Memory) PutRef(ref string, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	m.mu.Lock()
	m.blobs[ref] = buf
	m.mu.Unlock()
}

// Get returns a copy of the stored content.
func (m *Memory) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	data, ok := m.blobs[ref]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("memory get %s: %w", ref, ErrNotFound)
	}

	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

var _ Getter = (*Memory)(nil)
