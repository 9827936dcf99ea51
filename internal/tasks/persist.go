package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/notno/agentcom/internal/apierr"
	"github.com/notno/agentcom/internal/store"
	"github.com/notno/agentcom/internal/types"
)

// putTask persists t into table as its JSON encoding, keyed by t.ID,
// syncing before returning (store.Table.Put always syncs — spec §4.E.5).
func putTask(table *store.Table, t *types.Task) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	if err := table.Put(t.ID, raw); err != nil {
		return fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	return nil
}

func getTask(table *store.Table, id string) (*types.Task, error) {
	raw, err := table.Get(id)
	if err != nil {
		if err == apierr.ErrNotFound {
			return nil, apierr.ErrNotFound
		}
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	var t types.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

func scanTasks(table *store.Table) ([]*types.Task, error) {
	rows, err := table.Scan(nil)
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	out := make([]*types.Task, 0, len(rows))
	for _, raw := range rows {
		var t types.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}
