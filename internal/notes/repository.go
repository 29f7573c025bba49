// Package notes is a small per-user notes resource. Its routes carry
// several rate limit policies each.
package notes

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sony/sonyflake/v2"
)

var (
	ErrNotFound = errors.New("notes: not found")
	ErrNoFields = errors.New("notes: no fields to update")
)

type Note struct {
	ID        int64      `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Locked    bool       `json:"locked"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"-"`
}

type Patch struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
	Locked  *bool   `json:"locked"`
}

func (p Patch) empty() bool {
	return p.Title == nil && p.Content == nil && p.Locked == nil
}

// ListOptions pages through a user's notes by ID. At most one of Before
// and After may be set.
type ListOptions struct {
	Limit  int
	Before int64
	After  int64
	Locked *bool
}

type Repository interface {
	Create(ctx context.Context, n Note) (Note, error)
	Get(ctx context.Context, owner string, id int64) (Note, error)
	List(ctx context.Context, owner string, opts ListOptions) ([]Note, error)
	Update(ctx context.Context, owner string, id int64, p Patch) (Note, error)
	Delete(ctx context.Context, owner string, id int64) error
	Ping(ctx context.Context) error
}

// MemoryRepository keeps notes in process. Deleted notes are kept with a
// deletion time and are invisible to readers.
type MemoryRepository struct {
	mu    sync.RWMutex
	notes map[int64]Note
	ids   *sonyflake.Sonyflake
	now   func() time.Time
}

// NewMemoryRepository creates a repository whose note IDs embed machineID.
func NewMemoryRepository(machineID int) (*MemoryRepository, error) {
	sf, err := sonyflake.New(sonyflake.Settings{
		MachineID: func() (int, error) { return machineID, nil },
	})
	if err != nil {
		return nil, fmt.Errorf("notes: id generator: %w", err)
	}
	return &MemoryRepository{
		notes: make(map[int64]Note),
		ids:   sf,
		now:   time.Now,
	}, nil
}

func (m *MemoryRepository) Create(ctx context.Context, n Note) (Note, error) {
	if err := ctx.Err(); err != nil {
		return Note{}, err
	}
	id, err := m.ids.NextID()
	if err != nil {
		return Note{}, fmt.Errorf("notes: next id: %w", err)
	}
	n.ID = id
	n.UpdatedAt = m.now().UTC()
	n.DeletedAt = nil

	m.mu.Lock()
	m.notes[id] = n
	m.mu.Unlock()
	return n, nil
}

func (m *MemoryRepository) Get(ctx context.Context, owner string, id int64) (Note, error) {
	if err := ctx.Err(); err != nil {
		return Note{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.visible(owner, id)
}

func (m *MemoryRepository) visible(owner string, id int64) (Note, error) {
	n, ok := m.notes[id]
	if !ok || n.OwnerID != owner || n.DeletedAt != nil {
		return Note{}, ErrNotFound
	}
	return n, nil
}

func (m *MemoryRepository) List(ctx context.Context, owner string, opts ListOptions) ([]Note, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	out := make([]Note, 0)
	for _, n := range m.notes {
		if n.OwnerID != owner || n.DeletedAt != nil {
			continue
		}
		if opts.Locked != nil && n.Locked != *opts.Locked {
			continue
		}
		if opts.Before != 0 && n.ID >= opts.Before {
			continue
		}
		if opts.After != 0 && n.ID <= opts.After {
			continue
		}
		out = append(out, n)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Note) int { return cmp.Compare(a.ID, b.ID) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		// Paging backwards keeps the notes closest to the cursor.
		if opts.Before != 0 {
			out = out[len(out)-opts.Limit:]
		} else {
			out = out[:opts.Limit]
		}
	}
	return out, nil
}

func (m *MemoryRepository) Update(ctx context.Context, owner string, id int64, p Patch) (Note, error) {
	if err := ctx.Err(); err != nil {
		return Note{}, err
	}
	if p.empty() {
		return Note{}, ErrNoFields
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.visible(owner, id)
	if err != nil {
		return Note{}, err
	}
	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.Content != nil {
		n.Content = *p.Content
	}
	if p.Locked != nil {
		n.Locked = *p.Locked
	}
	n.UpdatedAt = m.now().UTC()
	m.notes[id] = n
	return n, nil
}

func (m *MemoryRepository) Delete(ctx context.Context, owner string, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.visible(owner, id)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	n.DeletedAt = &now
	n.UpdatedAt = now
	m.notes[id] = n
	return nil
}

func (m *MemoryRepository) Ping(ctx context.Context) error {
	return ctx.Err()
}
