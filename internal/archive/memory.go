package archive

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/grcbff/model"
)

type memObject struct {
	info Info
	body []byte
}

// MemoryStore keeps objects in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string]memObject{}, now: time.Now}
}

// Driver implements Store.
func (s *MemoryStore) Driver() string { return DriverMemory }

// Put implements Store. Existing keys are not overwritten.
func (s *MemoryStore) Put(_ context.Context, key, contentType string, body []byte) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		return Info{}, model.NewConflictError(fmt.Sprintf("object %q already exists", key))
	}
	info := Info{Key: key, ContentType: contentType, Size: int64(len(body)), CreatedAt: s.now().UTC()}
	s.objects[key] = memObject{info: info, body: append([]byte(nil), body...)}
	return info, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (Info, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[key]
	if !ok {
		return Info{}, nil, model.NewNotFoundError(fmt.Sprintf("object %q not found", key))
	}
	return o.info, append([]byte(nil), o.body...), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Info
	for k, o := range s.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, o.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// HealthCheck implements Store.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }
