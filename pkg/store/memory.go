package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"tcluster/pkg/model"
)

var _ Store = (*MemoryStore)(nil)

type memNode struct {
	node    model.Node
	expires time.Time
}

// MemoryStore keeps everything in process. It is the default backend and the
// one tests run against; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*model.Task
	nodes    map[string]memNode
	watchers map[chan TaskEvent]struct{}
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*model.Task),
		nodes:    make(map[string]memNode),
		watchers: make(map[chan TaskEvent]struct{}),
		now:      time.Now,
	}
}

func (m *MemoryStore) CreateTask(_ context.Context, task *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrExists
	}
	m.tasks[task.ID] = task.Clone()
	m.notify(TaskEvent{Type: TaskPut, Task: task.Clone()})
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) UpdateTask(_ context.Context, task *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	m.tasks[task.ID] = task.Clone()
	m.notify(TaskEvent{Type: TaskPut, Task: task.Clone()})
	return nil
}

func (m *MemoryStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	m.notify(TaskEvent{Type: TaskDelete, Task: t.Clone()})
	return nil
}

func (m *MemoryStore) ListTasks(_ context.Context) ([]*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// WatchTasks delivers events on a buffered channel. A watcher that falls
// more than the buffer behind misses events rather than stalling writers.
func (m *MemoryStore) WatchTasks(ctx context.Context) <-chan TaskEvent {
	ch := make(chan TaskEvent, 256)
	m.mu.Lock()
	m.watchers[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}

// notify must be called with mu held.
func (m *MemoryStore) notify(ev TaskEvent) {
	for ch := range m.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *MemoryStore) RegisterNode(_ context.Context, node *model.Node, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node.Address] = memNode{node: *node, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) ListNodes(_ context.Context) ([]*model.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]*model.Node, 0, len(m.nodes))
	for addr, n := range m.nodes {
		if now.After(n.expires) {
			delete(m.nodes, addr)
			continue
		}
		node := n.node
		out = append(out, &node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
