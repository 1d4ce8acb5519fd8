// Package media resolves post media references to object bytes and kinds.
package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/h2non/filetype"
)

type Kind string

const (
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
	KindUnknown Kind = "unknown"
)

// sniffLen covers every matcher filetype ships with.
const sniffLen = 262

var ErrObjectNotFound = errors.New("media object not found")

type Store interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Kind(ctx context.Context, key string) (Kind, error)
}

// Detect classifies content by its leading bytes.
func Detect(head []byte) Kind {
	switch {
	case filetype.IsImage(head):
		return KindImage
	case filetype.IsVideo(head):
		return KindVideo
	default:
		return KindUnknown
	}
}

// MemoryStore holds objects in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = append([]byte(nil), data...)
}

func (s *MemoryStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) Kind(_ context.Context, key string) (Kind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return KindUnknown, ErrObjectNotFound
	}
	if len(data) > sniffLen {
		data = data[:sniffLen]
	}
	return Detect(data), nil
}
