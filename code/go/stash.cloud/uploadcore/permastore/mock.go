package permastore

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// MockClient in-memory permanent storage backend for tests and development
// mode. Price is one base unit per byte.
type MockClient struct {
	mu sync.Mutex

	// Funds available balance, mutable from tests.
	Funds int64
	// CommitErr when set, Commit fails with this error.
	CommitErr error

	commitCalls int64
	objects     map[string][]byte
	tags        map[string][]Tag
	nextID      int
}

// NewMockClient builds a mock with the given balance.
func NewMockClient(funds int64) *MockClient {
	return &MockClient{
		Funds:   funds,
		objects: make(map[string][]byte),
		tags:    make(map[string][]Tag),
	}
}

func (m *MockClient) Quote(ctx context.Context, size int64) (int64, error) {
	return size, nil
}

func (m *MockClient) Balance(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Funds, nil
}

func (m *MockClient) Commit(ctx context.Context, data io.Reader, size int64, tags []Tag) (*Receipt, error) {
	atomic.AddInt64(&m.commitCalls, 1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CommitErr != nil {
		return nil, m.CommitErr
	}

	payload, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	m.nextID++
	id := fmt.Sprintf("mock-receipt-%d", m.nextID)
	m.objects[id] = payload
	m.tags[id] = tags
	m.Funds -= size

	return &Receipt{ID: id, URL: "https://gateway.mock/" + id}, nil
}

// CommitCalls number of Commit invocations, successful or not.
func (m *MockClient) CommitCalls() int64 {
	return atomic.LoadInt64(&m.commitCalls)
}

// Object stored payload for a receipt id.
func (m *MockClient) Object(id string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[id]
}

// Tags stored tags for a receipt id.
func (m *MockClient) Tags(id string) []Tag {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tags[id]
}
