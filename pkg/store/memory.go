package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghostflow-ai/ghostflow/pkg/models"
)

// MemoryTaskStore is the in-memory TaskStore used by tests and
// database-less deployments.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
}

// NewMemoryTaskStore creates an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*models.Task)}
}

func (s *MemoryTaskStore) Create(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if _, exists := s.tasks[task.ID]; exists {
		return ErrAlreadyExists
	}
	if task.Status == "" {
		task.Status = models.TaskPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryTaskStore) Get(ctx context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || task.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

func (s *MemoryTaskStore) List(ctx context.Context, namespace string, limit int) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Task
	for _, task := range s.tasks {
		if task.DeletedAt != nil {
			continue
		}
		if namespace != "" && task.Namespace != namespace {
			continue
		}
		out = append(out, task.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryTaskStore) Start(ctx context.Context, id string) (*models.Task, error) {
	return s.transition(id, func(task *models.Task) error {
		now := time.Now().UTC()
		task.Status = models.TaskRunning
		task.Attempts++
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
		return nil
	})
}

func (s *MemoryTaskStore) Complete(ctx context.Context, id string) (*models.Task, error) {
	return s.transition(id, func(task *models.Task) error {
		now := time.Now().UTC()
		task.Status = models.TaskCompleted
		task.CompletedAt = &now
		return nil
	})
}

func (s *MemoryTaskStore) Fail(ctx context.Context, id, errMsg string) (*models.Task, error) {
	return s.transition(id, func(task *models.Task) error {
		now := time.Now().UTC()
		task.Status = models.TaskFailed
		task.Error = errMsg
		task.CompletedAt = &now
		return nil
	})
}

func (s *MemoryTaskStore) Cancel(ctx context.Context, id string) (*models.Task, error) {
	return s.transition(id, func(task *models.Task) error {
		now := time.Now().UTC()
		task.Status = models.TaskCancelled
		task.CompletedAt = &now
		return nil
	})
}

func (s *MemoryTaskStore) transition(id string, apply func(*models.Task) error) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || task.DeletedAt != nil {
		return nil, ErrNotFound
	}
	if task.Status.Terminal() {
		return nil, ErrTaskTerminal
	}
	if err := apply(task); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

func (s *MemoryTaskStore) SetStream(ctx context.Context, id, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || task.DeletedAt != nil {
		return ErrNotFound
	}
	task.StreamID = streamID
	return nil
}

func (s *MemoryTaskStore) SoftDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok || task.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	task.DeletedAt = &now
	return nil
}

func (s *MemoryTaskStore) PurgeDeletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, task := range s.tasks {
		if task.DeletedAt != nil && task.DeletedAt.Before(cutoff) {
			delete(s.tasks, id)
			removed++
		}
	}
	return removed, nil
}

// MemoryMessageStore is the in-memory MessageStore.
type MemoryMessageStore struct {
	mu       sync.Mutex
	messages []*models.Message
}

// NewMemoryMessageStore creates an empty store.
func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{}
}

func (s *MemoryMessageStore) Create(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	next := 0
	for _, m := range s.messages {
		if m.TaskID == msg.TaskID && m.ThreadID == msg.ThreadID && m.Sequence >= next {
			next = m.Sequence + 1
		}
	}
	msg.Sequence = next
	s.messages = append(s.messages, msg.Clone())
	return nil
}

func (s *MemoryMessageStore) TaskHistory(ctx context.Context, taskID string) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Message
	for _, m := range s.messages {
		if m.TaskID == taskID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryMessageStore) ThreadHistory(ctx context.Context, threadID string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Message
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Sequence < out[j].Sequence
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryMessageStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.messages[:0]
	removed := 0
	for _, m := range s.messages {
		if m.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return removed, nil
}

// MemoryResourceStore is the in-memory ResourceStore.
type MemoryResourceStore struct {
	mu        sync.Mutex
	resources map[string]*models.Resource // key: kind/namespace/name
}

// NewMemoryResourceStore creates an empty store.
func NewMemoryResourceStore() *MemoryResourceStore {
	return &MemoryResourceStore{resources: make(map[string]*models.Resource)}
}

func resourceKey(kind models.ResourceKind, namespace, name string) string {
	return string(kind) + "/" + namespace + "/" + name
}

func (s *MemoryResourceStore) Create(ctx context.Context, res *models.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists := func(_ context.Context, kind models.ResourceKind, namespace, name string) (bool, error) {
		r, ok := s.resources[resourceKey(kind, namespace, name)]
		return ok && r.DeletedAt == nil, nil
	}
	if err := validateResource(ctx, exists, res); err != nil {
		return err
	}

	key := resourceKey(res.Kind, res.Namespace, res.Name)
	if r, ok := s.resources[key]; ok && r.DeletedAt == nil {
		return ErrAlreadyExists
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = now
	s.resources[key] = res.Clone()
	return nil
}

func (s *MemoryResourceStore) Get(ctx context.Context, kind models.ResourceKind, namespace, name string) (*models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[resourceKey(kind, namespace, name)]
	if !ok || res.DeletedAt != nil {
		return nil, ErrNotFound
	}
	return res.Clone(), nil
}

func (s *MemoryResourceStore) List(ctx context.Context, kind models.ResourceKind, namespace string) ([]*models.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Resource
	for _, res := range s.resources {
		if res.DeletedAt != nil || res.Kind != kind {
			continue
		}
		if namespace != "" && res.Namespace != namespace {
			continue
		}
		out = append(out, res.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryResourceStore) SoftDelete(ctx context.Context, kind models.ResourceKind, namespace, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[resourceKey(kind, namespace, name)]
	if !ok || res.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	res.DeletedAt = &now
	return nil
}
