package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/palantir/palantir-compute-module-structured-extract/internal/extract"
)

// Collection is the in-memory project list backed by a Store. Every mutation
// is persisted before it becomes visible; a failed save leaves the list as it
// was.
//
// Projects handed out are copies. Change a copy, then Replace it.
type Collection struct {
	store Store

	mu       sync.Mutex
	projects []*extract.Project
}

// NewCollection loads the current list from store. No run is in flight when
// a collection opens, so projects stored as RUNNING are recovered to ERROR.
// The recovery is persisted with the next mutation.
func NewCollection(ctx context.Context, store Store) (*Collection, error) {
	projects, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		p.RecoverInterrupted()
	}
	return &Collection{store: store, projects: projects}, nil
}

// List returns copies of all projects in stored order.
func (c *Collection) List() []*extract.Project {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*extract.Project, len(c.projects))
	for i, p := range c.projects {
		out[i] = p.Clone()
	}
	return out
}

// Get returns a copy of the project with the given ID.
func (c *Collection) Get(id string) (*extract.Project, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexByID(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.projects[i].Clone(), nil
}

// FindByTitle returns a copy of the project with the given title.
func (c *Collection) FindByTitle(title string) (*extract.Project, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexByTitle(title, "")
	if i < 0 {
		return nil, fmt.Errorf("%w: title %q", ErrNotFound, title)
	}
	return c.projects[i].Clone(), nil
}

// Resolve looks a project up by ID, then by title.
func (c *Collection) Resolve(ref string) (*extract.Project, error) {
	if p, err := c.Get(ref); err == nil {
		return p, nil
	}
	return c.FindByTitle(ref)
}

// Add appends p. IDs and titles must be unique.
func (c *Collection) Add(ctx context.Context, p *extract.Project) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexByID(p.ID) >= 0 {
		return fmt.Errorf("%w: id %s", ErrDuplicate, p.ID)
	}
	if p.Title != "" && c.indexByTitle(p.Title, "") >= 0 {
		return fmt.Errorf("%w: title %q", ErrDuplicate, p.Title)
	}
	next := make([]*extract.Project, 0, len(c.projects)+1)
	next = append(next, c.projects...)
	next = append(next, p.Clone())
	return c.commit(ctx, next)
}

// Replace stores p over the project with the same ID.
func (c *Collection) Replace(ctx context.Context, p *extract.Project) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexByID(p.ID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	if p.Title != "" && c.indexByTitle(p.Title, p.ID) >= 0 {
		return fmt.Errorf("%w: title %q", ErrDuplicate, p.Title)
	}
	next := append([]*extract.Project(nil), c.projects...)
	next[i] = p.Clone()
	return c.commit(ctx, next)
}

// Delete removes the project with the given ID.
func (c *Collection) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.indexByID(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := make([]*extract.Project, 0, len(c.projects)-1)
	next = append(next, c.projects[:i]...)
	next = append(next, c.projects[i+1:]...)
	return c.commit(ctx, next)
}

func (c *Collection) commit(ctx context.Context, next []*extract.Project) error {
	if err := c.store.Save(ctx, next); err != nil {
		return fmt.Errorf("save projects: %w", err)
	}
	c.projects = next
	return nil
}

func (c *Collection) indexByID(id string) int {
	for i, p := range c.projects {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (c *Collection) indexByTitle(title, exceptID string) int {
	title = strings.TrimSpace(title)
	for i, p := range c.projects {
		if p.ID != exceptID && strings.EqualFold(strings.TrimSpace(p.Title), title) {
			return i
		}
	}
	return -1
}
