package objectstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type memObject struct {
	data []byte
	gen  int64
}

// Memory is an in-process Store. Failures can be injected for tests.
type Memory struct {
	mu          sync.Mutex
	objects     map[string]memObject
	gen         int64
	unavailable bool
	failPuts    int
	failPaths   map[string]bool
	puts        int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: map[string]memObject{}}
}

// SetUnavailable makes every call fail with ErrUnavailable while down is true.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

// FailPuts makes the next n Put calls fail with ErrUnavailable.
func (m *Memory) FailPuts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPuts = n
}

// FailPutsTo makes every Put to path fail with ErrUnavailable while fail is
// true. Other paths are unaffected.
func (m *Memory) FailPutsTo(path string, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPaths == nil {
		m.failPaths = map[string]bool{}
	}
	if fail {
		m.failPaths[path] = true
	} else {
		delete(m.failPaths, path)
	}
}

// Puts returns the number of successful writes.
func (m *Memory) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *Memory) Get(_ context.Context, path string) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, "", ErrUnavailable
	}
	obj, ok := m.objects[path]
	if !ok {
		return nil, "", ErrNotFound
	}
	return append([]byte(nil), obj.data...), strconv.FormatInt(obj.gen, 10), nil
}

func (m *Memory) Put(_ context.Context, path string, data []byte, precondition string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return "", ErrUnavailable
	}
	if m.failPuts > 0 {
		m.failPuts--
		return "", ErrUnavailable
	}
	if m.failPaths[path] {
		return "", ErrUnavailable
	}

	obj, exists := m.objects[path]
	switch precondition {
	case Any:
	case "":
		if exists {
			return "", ErrPreconditionFailed
		}
	default:
		if !exists || strconv.FormatInt(obj.gen, 10) != precondition {
			return "", ErrPreconditionFailed
		}
	}

	m.gen++
	m.objects[path] = memObject{data: append([]byte(nil), data...), gen: m.gen}
	m.puts++
	return strconv.FormatInt(m.gen, 10), nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return nil, ErrUnavailable
	}
	var out []string
	for p := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return ErrUnavailable
	}
	if _, ok := m.objects[path]; !ok {
		return ErrNotFound
	}
	delete(m.objects, path)
	return nil
}
