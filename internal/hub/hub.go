// Package hub is the Supervisor (spec §4.J): it constructs every
// component in dependency order, starts their background loops, and
// drains them in reverse on shutdown. Grounded on the teacher's
// cmd/cliaimonitor/main.go construction-then-signal-wait shape, lifted
// out of main() into its own package so main.go stays a thin entry
// point.
package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/notno/agentcom/internal/auth"
	"github.com/notno/agentcom/internal/config"
	"github.com/notno/agentcom/internal/events"
	"github.com/notno/agentcom/internal/instance"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/presence"
	"github.com/notno/agentcom/internal/protocol"
	"github.com/notno/agentcom/internal/repos"
	"github.com/notno/agentcom/internal/scheduler"
	"github.com/notno/agentcom/internal/server"
	"github.com/notno/agentcom/internal/store"
	"github.com/notno/agentcom/internal/tasks"
)

var log = logging.New("HUB")

// Hub owns every long-lived component and the background goroutines
// driving them (spec §4.J dependency order A->B->C->D->E->H->F->G->I:
// Durable Store, Auth, Presence, Agent FSM (embedded in Protocol),
// Task Queue, Event Bus, Scheduler, Protocol, Admin/HTTP Server).
type Hub struct {
	cfg *config.Config

	lock  *instance.Lock
	store *store.Store

	auth     *auth.Registry
	presence *presence.Registry
	bus      *events.Bus
	tasks    *tasks.Queue
	repos    *repos.Registry
	manager  *protocol.Manager
	sched    *scheduler.Scheduler
	httpSrv  *server.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs every component, wiring them in the order the
// specification requires. It acquires the data-directory lock first so a
// second hub process against the same data dir fails immediately rather
// than corrupting the Durable Store.
func New(cfg *config.Config) (*Hub, error) {
	lock, err := instance.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	st, err := store.NewStore(cfg.DataDir)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("hub: store: %w", err)
	}

	authReg, err := auth.NewRegistry(st, cfg)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("hub: auth: %w", err)
	}

	presenceReg := presence.NewRegistry(cfg)

	bus := events.NewBus()

	taskQueue, err := tasks.NewQueue(st, bus, cfg)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("hub: tasks: %w", err)
	}

	repoReg, err := repos.NewRegistry(st)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("hub: repos: %w", err)
	}

	manager := protocol.NewManager(cfg, authReg, presenceReg, taskQueue, bus)
	presenceReg.SetTimeoutHandler(func(agentID string) {
		manager.HandleHeartbeatTimeout(agentID)
	})

	sched := scheduler.New(cfg, bus, taskQueue, presenceReg, repoReg, manager)

	httpSrv := server.New(cfg, authReg, taskQueue, presenceReg, repoReg, manager)

	return &Hub{
		cfg:      cfg,
		lock:     lock,
		store:    st,
		auth:     authReg,
		presence: presenceReg,
		bus:      bus,
		tasks:    taskQueue,
		repos:    repoReg,
		manager:  manager,
		sched:    sched,
		httpSrv:  httpSrv,
	}, nil
}

// Run starts every background loop and the HTTP listener, blocking until
// ctx is cancelled or the HTTP server stops. Presence, Task Queue,
// Scheduler and the protocol Manager each run in their own goroutine
// under the hub's wait group; the HTTP server runs in a separate goroutine
// outside it. Either way Run returns after shutdown has stopped the HTTP
// server, waited for the wait group and closed the store.
func (h *Hub) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(4)
	go func() { defer h.wg.Done(); h.presence.Run(runCtx) }()
	go func() { defer h.wg.Done(); h.tasks.Run(runCtx) }()
	go func() { defer h.wg.Done(); h.sched.Run(runCtx) }()
	go func() { defer h.wg.Done(); h.manager.Run(runCtx) }()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.httpSrv.ListenAndServe()
	}()

	select {
	case <-runCtx.Done():
		return h.shutdown()
	case err := <-errCh:
		h.shutdown()
		return err
	}
}

// shutdown drains components in reverse dependency order (spec §4.J:
// "stop accepting new connections, flush in-flight protocol replies,
// close Task Queue ... then exit").
func (h *Hub) shutdown() error {
	log.Printf("shutting down")

	ctx := context.Background()
	if err := h.httpSrv.Shutdown(ctx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}

	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	if err := h.store.CloseAll(); err != nil {
		log.Printf("store close: %v", err)
	}
	h.lock.Release()
	log.Printf("shutdown complete")
	return nil
}
