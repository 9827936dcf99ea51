// Package auth implements the Auth Registry (spec §4.B): a durable
// bidirectional token<->agent_id map with admin-agent classification.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/notno/agentcom/internal/apierr"
	"github.com/notno/agentcom/internal/config"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/store"
)

var log = logging.New("AUTH")

const tableName = "tokens"

// record is the durable record for one agent's credential.
type record struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

// Registry is the single-writer actor owning the tokens table. All
// operations serialize through mu, matching the Durable Store's
// single-writer-per-table contract.
type Registry struct {
	cfg   *config.Config
	table *store.Table

	mu         sync.RWMutex
	byAgent    map[string]string // agent_id -> token
	byToken    map[string]string // token -> agent_id
}

// NewRegistry opens the tokens table and rebuilds the in-memory indices
// from it.
func NewRegistry(st *store.Store, cfg *config.Config) (*Registry, error) {
	table, err := st.Open(tableName)
	if err != nil {
		return nil, fmt.Errorf("auth: open table: %w", err)
	}

	r := &Registry{
		cfg:     cfg,
		table:   table,
		byAgent: make(map[string]string),
		byToken: make(map[string]string),
	}

	rows, err := table.Scan(nil)
	if err != nil {
		return nil, fmt.Errorf("auth: scan table: %w", err)
	}
	for _, raw := range rows {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Printf("skipping unreadable token record: %v", err)
			continue
		}
		r.byAgent[rec.AgentID] = rec.Token
		r.byToken[rec.Token] = rec.AgentID
	}
	log.Printf("loaded %d tokens", len(r.byAgent))

	return r, nil
}

// Issue generates a fresh 32-byte random token for agentID, persisting it
// and overwriting any prior token for that agent.
func (r *Registry) Issue(agentID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byAgent[agentID]; ok {
		delete(r.byToken, old)
	}

	rec := record{AgentID: agentID, Token: token}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("auth: marshal record: %w", err)
	}
	if err := r.table.Put(agentID, raw); err != nil {
		return "", fmt.Errorf("auth: persist token: %w", err)
	}

	r.byAgent[agentID] = token
	r.byToken[token] = agentID
	return token, nil
}

// Verify returns the agent_id bound to token using a constant-time
// comparison, or apierr.ErrUnauthorized if no match exists.
func (r *Registry) Verify(token string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for candidate, agentID := range r.byToken {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			return agentID, nil
		}
	}
	return "", apierr.ErrUnauthorized
}

// Revoke deletes the token bound to agentID.
func (r *Registry) Revoke(agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	token, ok := r.byAgent[agentID]
	if !ok {
		return apierr.ErrNotFound
	}
	if err := r.table.Delete(agentID); err != nil {
		return fmt.Errorf("auth: delete token: %w", err)
	}
	delete(r.byAgent, agentID)
	delete(r.byToken, token)
	return nil
}

// IsAdmin reports whether agentID is in the statically configured admin
// list.
func (r *Registry) IsAdmin(agentID string) bool {
	return r.cfg.IsAdmin(agentID)
}
