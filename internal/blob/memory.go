package blob

import (
	"context"
	"sync"
)

type Object struct {
	Data        []byte
	ContentType string
	Writes      int
}

// Memory keeps outputs in a map keyed by object key.
type Memory struct {
	mu      sync.Mutex
	objects map[string]Object
	// FailKeys makes Put fail for the listed object keys.
	FailKeys map[string]error
}

func NewMemory() *Memory {
	return &Memory{objects: make(map[string]Object)}
}

func (m *Memory) Put(ctx context.Context, taskID string, data []byte, contentType string) (string, error) {
	key := ObjectKey(taskID)
	if err := ctx.Err(); err != nil {
		return "", &PersistenceError{Key: key, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.FailKeys[key]; ok {
		return "", &PersistenceError{Key: key, Err: err}
	}
	obj := m.objects[key]
	obj.Data = append([]byte(nil), data...)
	obj.ContentType = contentType
	obj.Writes++
	m.objects[key] = obj
	return "mem://" + key, nil
}

func (m *Memory) Object(key string) (Object, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj, ok
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
