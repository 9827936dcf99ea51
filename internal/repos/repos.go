// Package repos implements the thin Repository table (spec §3.3): a
// durable-store-backed CRUD exposing a PAUSED/ACTIVE filter consulted by
// the Scheduler.
package repos

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/notno/agentcom/internal/apierr"
	"github.com/notno/agentcom/internal/store"
	"github.com/notno/agentcom/internal/types"
)

const tableName = "repos"

// Registry owns the repos table.
type Registry struct {
	table *store.Table

	mu   sync.RWMutex
	byID map[string]types.Repo
}

// NewRegistry opens the repos table and loads it into memory.
func NewRegistry(st *store.Store) (*Registry, error) {
	table, err := st.Open(tableName)
	if err != nil {
		return nil, fmt.Errorf("repos: open table: %w", err)
	}

	r := &Registry{table: table, byID: make(map[string]types.Repo)}

	rows, err := table.Scan(nil)
	if err != nil {
		return nil, fmt.Errorf("repos: scan: %w", err)
	}
	for _, raw := range rows {
		var repo types.Repo
		if err := json.Unmarshal(raw, &repo); err != nil {
			continue
		}
		r.byID[repo.ID] = repo
	}
	return r, nil
}

// Put creates or updates a repo record.
func (r *Registry) Put(repo types.Repo) error {
	raw, err := json.Marshal(repo)
	if err != nil {
		return fmt.Errorf("repos: marshal %s: %w", repo.ID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.table.Put(repo.ID, raw); err != nil {
		return fmt.Errorf("repos: persist %s: %w", repo.ID, err)
	}
	r.byID[repo.ID] = repo
	return nil
}

// Delete removes a repo record.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return apierr.ErrNotFound
	}
	if err := r.table.Delete(id); err != nil {
		return fmt.Errorf("repos: delete %s: %w", id, err)
	}
	delete(r.byID, id)
	return nil
}

// Get returns the repo record for id.
func (r *Registry) Get(id string) (types.Repo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.byID[id]
	return repo, ok
}

// List returns every repo record.
func (r *Registry) List() []types.Repo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Repo, 0, len(r.byID))
	for _, repo := range r.byID {
		out = append(out, repo)
	}
	return out
}

// IsPaused reports whether repoID is registered and PAUSED. An unknown
// repo is never considered paused (spec §4.F: "if task repo is non-empty
// but absent from the repo table, the task is still schedulable").
func (r *Registry) IsPaused(repoID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.byID[repoID]
	return ok && repo.Status == types.RepoPaused
}
