// Package core is the composition root. It constructs the store, migrator,
// session gate, connectivity monitor, sync engine, and event bus in one
// place, owns their lifecycles, and offers the UI layer its contract:
// observable state plus the sign-in/out, sync-now, and resolve-conflict
// commands.
package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rc-construcoes/rcsync/internal/api"
	"github.com/rc-construcoes/rcsync/internal/bus"
	"github.com/rc-construcoes/rcsync/internal/config"
	"github.com/rc-construcoes/rcsync/internal/connectivity"
	"github.com/rc-construcoes/rcsync/internal/model"
	"github.com/rc-construcoes/rcsync/internal/session"
	"github.com/rc-construcoes/rcsync/internal/store"
	"github.com/rc-construcoes/rcsync/internal/syncer"
)

// Core owns every component of the offline data subsystem.
type Core struct {
	Bus     *bus.Bus
	Store   *store.Store
	Gate    *session.Gate
	Monitor *connectivity.Monitor
	API     *api.Client
	Engine  *syncer.Engine

	logger *log.Logger
	cancel context.CancelFunc
}

// Open wires all components from the configuration. The store is opened
// and migrated; nothing starts running until Start.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Core, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[core] ", log.LstdFlags)
	}

	b := bus.New()

	st, err := store.Open(ctx, cfg.DatabasePath(), &store.Options{
		JournalSoftLimit: cfg.JournalSoftLimit,
		Logger:           logger,
	})
	if err != nil {
		// A quarantined store still opens; anything else is fatal.
		if st == nil {
			return nil, fmt.Errorf("failed to open local store: %w", err)
		}
		logger.Printf("WARNING: store is read-only: %v", err)
	}

	gate := session.NewGate(cfg.DataDir, logger)
	client := api.New(cfg.ServerURL, gate.AuthHeader)

	monitor := connectivity.New(b, &connectivity.Config{
		ProbeURL:      cfg.ServerURL + "/api/health",
		ProbeInterval: 10 * time.Second,
		ProbeTimeout:  5 * time.Second,
		Debounce:      time.Second,
		Logger:        logger,
	})

	engineCfg := syncer.DefaultConfig()
	engineCfg.Logger = logger
	if cfg.TickInterval > 0 {
		engineCfg.TickInterval = cfg.TickInterval
	}
	if cfg.PullLimit > 0 {
		engineCfg.PullLimit = cfg.PullLimit
	}
	engine := syncer.New(st, client, gate, monitor, b, engineCfg)

	return &Core{
		Bus:     b,
		Store:   st,
		Gate:    gate,
		Monitor: monitor,
		API:     client,
		Engine:  engine,
		logger:  logger,
	}, nil
}

// Start launches the monitor and engine loops.
func (c *Core) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.Monitor.Start(ctx)
	c.Engine.Start(ctx)
}

// Close stops the loops and closes the store.
func (c *Core) Close() error {
	if c.cancel != nil {
		c.cancel()
		c.Monitor.Wait()
		c.Engine.Wait()
	}
	return c.Store.Close()
}

// SignIn exchanges credentials for a session and kicks off a sync.
func (c *Core) SignIn(ctx context.Context, username, password string) error {
	result, err := c.API.Login(ctx, username, password)
	if err != nil {
		return err
	}
	if err := c.Gate.SetSession(session.Session{
		Token:     result.Token,
		ExpiresAt: result.ExpiresAt,
		Principal: result.Principal,
	}); err != nil {
		return err
	}
	c.Engine.Trigger()
	return nil
}

// SignOut wipes the session. Pending journal entries survive, paused,
// until the next sign-in.
func (c *Core) SignOut() error {
	return c.Gate.SignOut()
}

// SyncNow runs one synchronous sync cycle.
func (c *Core) SyncNow(ctx context.Context) error {
	return c.Engine.RunCycle(ctx)
}

// ResolveConflict applies the user's decision for a conflicted record.
func (c *Core) ResolveConflict(ctx context.Context, entity string, id int64, choice string) error {
	return c.Engine.ResolveConflict(ctx, entity, id, choice)
}

// Snapshot is the observable state offered to the UI layer.
type Snapshot struct {
	Principal      *session.Principal `json:"principal,omitempty"`
	Online         bool               `json:"online"`
	Fallback       bool               `json:"fallback"`
	PendingChanges int64              `json:"pendingChanges"`
	LastSyncAt     int64              `json:"lastSyncAt"`
	Conflicts      []syncer.Conflict  `json:"conflicts"`
}

// Snapshot gathers the current observable state.
func (c *Core) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Online:     c.Monitor.Online(),
		Fallback:   c.Store.IsFallback(),
		LastSyncAt: c.Engine.LastSyncAt(),
	}
	if p, err := c.Gate.Principal(); err == nil {
		snap.Principal = &p
	}
	pending, err := c.Store.JournalCount(ctx)
	if err != nil {
		return nil, err
	}
	snap.PendingChanges = pending

	conflicts, err := c.Engine.Conflicts(ctx)
	if err != nil {
		return nil, err
	}
	snap.Conflicts = conflicts
	return snap, nil
}

// permissionBase overrides the entity name where the permission vocabulary
// diverges from the table name.
var permissionBase = map[string]string{
	model.EntityFinancials: "financial",
}

// permission names per entity operation.
func viewPermission(entity string) string { return permissionFor(entity, "view") }
func editPermission(entity string) string { return permissionFor(entity, "edit") }

func permissionFor(entity, op string) string {
	if base, ok := permissionBase[entity]; ok {
		return base + "_" + op
	}
	return entity + "_" + op
}

// Create writes a new record through the permission gate and nudges the
// engine.
func (c *Core) Create(ctx context.Context, rec model.Record) error {
	if err := c.Gate.RequirePermission(editPermission(rec.Entity())); err != nil {
		return err
	}
	if err := c.Store.Create(ctx, rec); err != nil {
		return err
	}
	c.Engine.Trigger()
	return nil
}

// Update persists local edits through the permission gate.
func (c *Core) Update(ctx context.Context, rec model.Record) error {
	if err := c.Gate.RequirePermission(editPermission(rec.Entity())); err != nil {
		return err
	}
	if err := c.Store.Update(ctx, rec); err != nil {
		return err
	}
	c.Engine.Trigger()
	return nil
}

// Patch applies a partial update through the permission gate.
func (c *Core) Patch(ctx context.Context, entity string, id int64, partial map[string]any) (model.Record, error) {
	if err := c.Gate.RequirePermission(editPermission(entity)); err != nil {
		return nil, err
	}
	rec, err := c.Store.Patch(ctx, entity, id, partial)
	if err != nil {
		return nil, err
	}
	c.Engine.Trigger()
	return rec, nil
}

// Delete removes a record through the permission gate.
func (c *Core) Delete(ctx context.Context, entity string, id int64) error {
	if err := c.Gate.RequirePermission(editPermission(entity)); err != nil {
		return err
	}
	if err := c.Store.Delete(ctx, entity, id); err != nil {
		return err
	}
	c.Engine.Trigger()
	return nil
}

// Get reads one record through the permission gate.
func (c *Core) Get(ctx context.Context, entity string, id int64) (model.Record, error) {
	if err := c.Gate.RequirePermission(viewPermission(entity)); err != nil {
		return nil, err
	}
	return c.Store.Get(ctx, entity, id)
}

// Find lists records through the permission gate.
func (c *Core) Find(ctx context.Context, entity string, opts store.FindOptions) ([]model.Record, error) {
	if err := c.Gate.RequirePermission(viewPermission(entity)); err != nil {
		return nil, err
	}
	return c.Store.Find(ctx, entity, opts)
}

// IsAuthError reports whether err should route the UI to the login page.
func IsAuthError(err error) bool {
	return errors.Is(err, session.ErrNotAuthenticated) ||
		errors.Is(err, api.ErrUnauthenticated) ||
		errors.Is(err, api.ErrForbidden)
}
