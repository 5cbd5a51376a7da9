package storage

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/TheEntropyCollective/fluxgate/pkg/pipeline"
)

func init() {
	pipeline.RegisterPlugin(pipeline.KindStorage, "mock", func(cfg map[string]any) (pipeline.Plugin, error) {
		name := "mock"
		if v, ok := cfg["name"].(string); ok {
			name = v
		}
		return NewMockStorage(name), nil
	})
}

// MockStorage is an in-memory sink for tests with failure injection.
type MockStorage struct {
	pipeline.NopPlugin

	name string

	// FailAfter, when positive, fails the write once that many bytes
	// have been consumed.
	FailAfter int64
	// FailErr overrides the injected failure.
	FailErr error
	// DeleteErr is returned from Delete, simulating a cleanup failure.
	DeleteErr error

	mu       sync.Mutex
	objects  map[string][]byte
	cleanups []string
	deletes  []string
}

// NewMockStorage creates a mock sink.
func NewMockStorage(name string) *MockStorage {
	return &MockStorage{
		name:    name,
		objects: make(map[string][]byte),
	}
}

func (m *MockStorage) Name() string { return m.name }

func (m *MockStorage) Process(ctx context.Context, pc *pipeline.Context) (*pipeline.Context, error) {
	var data []byte
	buf := make([]byte, 4096)
	for {
		n, err := pc.Stream.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			if m.FailAfter > 0 && int64(len(data)) >= m.FailAfter {
				ferr := m.FailErr
				if ferr == nil {
					ferr = pipeline.NewError(pipeline.CodeStorageFailed, m.name, "injected storage failure", nil)
				}
				return nil, ferr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wrapStreamErr(m.name, "read failed", err)
		}
	}

	key := fmt.Sprintf("%s-%d", m.name, len(data))
	if pc.FileInfo != nil && pc.FileInfo.Filename != "" {
		key = pc.FileInfo.Filename
	}

	m.mu.Lock()
	m.objects[key] = data
	m.mu.Unlock()

	pc.Storage = &pipeline.StorageResult{
		Backend:  m.name,
		Key:      key,
		Location: "mock://" + m.name + "/" + key,
		Size:     int64(len(data)),
		StoredAt: time.Now(),
	}
	return pc, nil
}

func (m *MockStorage) Cleanup(ctx context.Context, pc *pipeline.Context, cause error) error {
	m.mu.Lock()
	key := ""
	if pc.Storage != nil && pc.Storage.Backend == m.name {
		key = pc.Storage.Key
	}
	m.cleanups = append(m.cleanups, key)
	m.mu.Unlock()

	if key != "" {
		return m.Delete(ctx, key)
	}
	return m.DeleteErr
}

func (m *MockStorage) Delete(ctx context.Context, key string) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deletes = append(m.deletes, key)
	return nil
}

// Object returns a stored object's bytes.
func (m *MockStorage) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// ObjectCount returns how many objects the sink holds.
func (m *MockStorage) ObjectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// CleanupCalls returns the keys Cleanup was invoked with (empty string
// for cleanups before any artifact existed).
func (m *MockStorage) CleanupCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cleanups...)
}
