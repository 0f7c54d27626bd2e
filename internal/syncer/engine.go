// Package syncer reconciles the local store with the authoritative server.
//
// One engine runs at most one sync cycle at a time. Triggers that arrive
// while a cycle is in flight coalesce into a single follow-up cycle. A
// cycle pushes the journal (chain by chain, FIFO), pulls server deltas per
// entity, and re-pushes anything a merge requeued, so an ordinary conflict
// converges within the cycle that noticed it.
//
// The engine never returns remote failures to its callers as errors; they
// become bus events and journal state.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rc-construcoes/rcsync/internal/api"
	"github.com/rc-construcoes/rcsync/internal/bus"
	"github.com/rc-construcoes/rcsync/internal/connectivity"
	"github.com/rc-construcoes/rcsync/internal/model"
	"github.com/rc-construcoes/rcsync/internal/session"
	"github.com/rc-construcoes/rcsync/internal/store"
)

// staleNote marks a journal entry that was already merged against a newer
// server version once. A second stale rejection parks the record in
// conflict state instead of merging again.
const staleNote = "merged against newer server version"

// errCycleAborted stops a cycle without failing it (sign-out or offline
// mid-flight).
var errCycleAborted = errors.New("sync cycle aborted")

// errRequeued marks a chain whose entry was merged and requeued; the cycle
// re-pushes it after the pull phase.
var errRequeued = errors.New("entry requeued after stale rejection")

// Config holds engine settings.
type Config struct {
	// TickInterval is the periodic sync trigger.
	TickInterval time.Duration

	// PullLimit is the delta page size.
	PullLimit int

	// BackoffBase and BackoffMax bound the exponential retry delay for
	// transient push failures.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// OfflineGrace bounds how long after an offline transition a push
	// result that settles late may still be applied.
	OfflineGrace time.Duration

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		TickInterval: 30 * time.Second,
		PullLimit:    100,
		BackoffBase:  5 * time.Second,
		BackoffMax:   5 * time.Minute,
		OfflineGrace: 10 * time.Second,
		Logger:       log.New(os.Stderr, "[syncer] ", log.LstdFlags),
	}
}

// Engine is the sync orchestrator.
type Engine struct {
	store   *store.Store
	api     *api.Client
	gate    *session.Gate
	monitor *connectivity.Monitor
	bus     *bus.Bus
	config  *Config

	trigger chan struct{}

	cycleMu  sync.Mutex
	inFlight atomic.Int32

	lastSyncAt atomic.Int64

	conflictMu sync.Mutex
	conflicts  map[conflictKey]json.RawMessage

	wg sync.WaitGroup
}

type conflictKey struct {
	entity  string
	localID int64
}

// Progress reports per-entity push progress.
type Progress struct {
	Entity    string `json:"entity"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
}

// Completed reports a finished cycle.
type Completed struct {
	At     int64 `json:"at"`
	Pushed int   `json:"pushed"`
	Pulled int   `json:"pulled"`
}

// Failed reports a cycle that gave up.
type Failed struct {
	Reason string `json:"reason"`
}

// Conflict names a record that needs a user decision. Server carries the
// server's copy when the engine has it.
type Conflict struct {
	Entity  string          `json:"entity"`
	LocalID int64           `json:"localId"`
	Server  json.RawMessage `json:"server,omitempty"`
}

// New wires an engine. All collaborators are required.
func New(st *store.Store, client *api.Client, gate *session.Gate, monitor *connectivity.Monitor, b *bus.Bus, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Engine{
		store:     st,
		api:       client,
		gate:      gate,
		monitor:   monitor,
		bus:       b,
		config:    config,
		trigger:   make(chan struct{}, 1),
		conflicts: make(map[conflictKey]json.RawMessage),
	}
}

// Start launches the scheduling loop: the periodic tick, coalesced
// triggers, and the online transition all funnel into RunCycle. Returns
// immediately; Wait blocks until the loop exits.
func (e *Engine) Start(ctx context.Context) {
	e.bus.Subscribe(bus.TopicOnline, func(bus.Event) { e.Trigger() })

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.config.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = e.RunCycle(ctx)
			case <-e.trigger:
				_ = e.RunCycle(ctx)
			}
		}
	}()
}

// Wait blocks until the scheduling loop has stopped.
func (e *Engine) Wait() { e.wg.Wait() }

// Trigger requests a sync cycle. Triggers arriving while a cycle runs
// coalesce into one pending request.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// InFlight reports how many cycles are currently executing. It is 0 or 1.
func (e *Engine) InFlight() int { return int(e.inFlight.Load()) }

// LastSyncAt returns the wall-clock millisecond timestamp of the last
// completed cycle, 0 if none completed yet.
func (e *Engine) LastSyncAt() int64 { return e.lastSyncAt.Load() }

// RunCycle executes one full push+pull cycle. While offline or signed out
// the engine is idle and RunCycle returns nil without touching anything.
func (e *Engine) RunCycle(ctx context.Context) error {
	if !e.gate.IsAuthenticated() || !e.monitor.Online() {
		return nil
	}

	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	e.bus.Publish(bus.TopicSyncStarted, nil)

	if high, err := e.store.BacklogHigh(ctx); err == nil && high {
		e.bus.Publish(bus.TopicSyncBacklogHigh, nil)
	}

	pushed, requeued, err := e.push(ctx)
	var pulled int
	if err == nil {
		var pullRequeued int
		pulled, pullRequeued, err = e.pull(ctx)
		requeued += pullRequeued
	}
	if err == nil && requeued > 0 {
		// Merges queued fresh updates; push them now so the cycle
		// converges instead of waiting for the next tick.
		var extra int
		extra, _, err = e.push(ctx)
		pushed += extra
	}

	if err != nil {
		if errors.Is(err, errCycleAborted) {
			e.config.Logger.Printf("cycle aborted: connectivity or session lost mid-flight")
			return nil
		}
		e.config.Logger.Printf("cycle failed: %v", err)
		e.bus.Publish(bus.TopicSyncFailed, Failed{Reason: err.Error()})
		return err
	}

	now := time.Now().UnixMilli()
	e.lastSyncAt.Store(now)
	e.bus.Publish(bus.TopicSyncCompleted, Completed{At: now, Pushed: pushed, Pulled: pulled})
	return nil
}

// push drains the journal. Entries are walked in append order; a failure
// blocks its own (entity, localId) chain and the walk moves on to the next
// chain.
func (e *Engine) push(ctx context.Context) (int, int, error) {
	entries, err := e.store.PendingEntries(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}

	now := time.Now().UnixMilli()
	blocked := make(map[conflictKey]bool)
	pushed, requeued := 0, 0

	for i, entry := range entries {
		key := conflictKey{entry.Entity, entry.LocalID}
		if blocked[key] {
			continue
		}
		if !e.monitor.Online() {
			return pushed, requeued, errCycleAborted
		}
		if entry.NextAttemptAt > now {
			blocked[key] = true
			continue
		}

		// An earlier ack in this walk may have rewritten this entry's
		// payload or references; send the current row, not the snapshot.
		fresh, err := e.store.JournalEntry(ctx, entry.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return pushed, requeued, err
		}

		if err := e.pushEntry(ctx, fresh); err != nil {
			blocked[key] = true
			if errors.Is(err, errRequeued) {
				requeued++
			}
			if errors.Is(err, errCycleAborted) || errors.Is(err, api.ErrUnauthenticated) {
				return pushed, requeued, errCycleAborted
			}
			continue
		}
		pushed++
		e.bus.Publish(bus.TopicSyncProgress, Progress{
			Entity: entry.Entity, Completed: i + 1, Total: len(entries),
		})
	}
	return pushed, requeued, nil
}

// pushEntry sends one journal entry and applies the outcome. A nil return
// means the entry was acknowledged and dropped; any error blocks the chain
// for this cycle.
func (e *Engine) pushEntry(ctx context.Context, entry *model.JournalEntry) error {
	var (
		result *api.SaveResult
		err    error
	)
	switch entry.Op {
	case model.OpCreate:
		result, err = e.api.Create(ctx, entry.Entity, entry.Payload)
	case model.OpUpdate:
		result, err = e.api.Update(ctx, entry.Entity, entry.LocalID, entry.Payload)
	case model.OpDelete:
		err = e.api.Delete(ctx, entry.Entity, entry.LocalID)
	default:
		return fmt.Errorf("unknown journal op %q", entry.Op)
	}

	if err != nil {
		return e.handlePushError(ctx, entry, err)
	}

	// The server committed; refuse to apply if the session vanished while
	// the request was in flight, or the link has been down longer than
	// the grace window.
	if !e.gate.IsAuthenticated() {
		return errCycleAborted
	}
	if !e.monitor.Online() && time.Since(e.monitor.LastTransition()) > e.config.OfflineGrace {
		return errCycleAborted
	}

	switch entry.Op {
	case model.OpCreate:
		return e.store.AckCreate(ctx, entry.Entity, entry.LocalID, result.ID, result.ServerVersion, entry.ID)
	case model.OpUpdate:
		return e.store.AckUpdate(ctx, entry.Entity, entry.LocalID, result.ServerVersion, entry.ID)
	default:
		return e.store.AckDelete(ctx, entry.Entity, entry.LocalID, entry.ID)
	}
}

func (e *Engine) handlePushError(ctx context.Context, entry *model.JournalEntry, err error) error {
	var stale *api.StaleError
	var reqErr *api.RequestError
	var limited *api.RateLimitedError

	switch {
	case errors.As(err, &stale):
		return e.handleStale(ctx, entry, stale)

	case errors.As(err, &reqErr):
		// Server-side validation rejected the payload; retrying cannot
		// help, the user has to decide.
		e.config.Logger.Printf("%s/%d rejected by server: %v", entry.Entity, entry.LocalID, reqErr)
		if parkErr := e.parkConflict(ctx, entry, nil, reqErr.Error()); parkErr != nil {
			return parkErr
		}
		return err

	case errors.As(err, &limited):
		next := time.Now().Add(limited.RetryAfter).UnixMilli()
		if bumpErr := e.store.BumpAttempt(ctx, entry.ID, err.Error(), next); bumpErr != nil {
			return bumpErr
		}
		return err

	case api.IsTransient(err):
		next := time.Now().Add(e.backoff(entry.Attempts)).UnixMilli()
		if bumpErr := e.store.BumpAttempt(ctx, entry.ID, err.Error(), next); bumpErr != nil {
			return bumpErr
		}
		return err

	default:
		return err
	}
}

// backoff returns the exponential retry delay for the given attempt count.
func (e *Engine) backoff(attempts int) time.Duration {
	delay := e.config.BackoffBase
	for i := 0; i < attempts && delay < e.config.BackoffMax; i++ {
		delay *= 2
	}
	if delay > e.config.BackoffMax {
		delay = e.config.BackoffMax
	}
	return delay
}

// handleStale resolves a 409 on push. First rejection: merge the server's
// copy with the locally touched fields and requeue the update against the
// new server version. Second rejection: park the record in conflict state.
func (e *Engine) handleStale(ctx context.Context, entry *model.JournalEntry, stale *api.StaleError) error {
	serverRec := serverRecord(stale.Body)
	if serverRec == nil {
		fetched, err := e.api.Fetch(ctx, entry.Entity, entry.LocalID)
		if err != nil {
			return err
		}
		serverRec = fetched
	}

	if entry.Op == model.OpDelete || entry.LastError == staleNote {
		if parkErr := e.parkConflict(ctx, entry, serverRec, "server holds a newer version"); parkErr != nil {
			return parkErr
		}
		return fmt.Errorf("%s/%d parked in conflict", entry.Entity, entry.LocalID)
	}

	merged, serverVersion, err := mergeTouched(serverRec, entry)
	if err != nil {
		return err
	}
	if err := e.store.RequeueUpdate(ctx, entry.Entity, entry.LocalID, entry.ID, merged, serverRec, serverVersion, staleNote); err != nil {
		return err
	}
	// The requeued entry is picked up by the re-push at the end of the
	// cycle; block the chain for this pass.
	return errRequeued
}

func (e *Engine) parkConflict(ctx context.Context, entry *model.JournalEntry, serverRec json.RawMessage, reason string) error {
	if err := e.store.MarkConflict(ctx, entry.Entity, entry.LocalID, entry.ID, reason); err != nil {
		return err
	}
	key := conflictKey{entry.Entity, entry.LocalID}
	e.conflictMu.Lock()
	e.conflicts[key] = serverRec
	e.conflictMu.Unlock()

	e.bus.Publish(bus.TopicConflict, Conflict{
		Entity: entry.Entity, LocalID: entry.LocalID, Server: serverRec,
	})
	return nil
}

// serverRecord extracts the server's record from a 409 body, which may be
// either the record itself or an envelope {serverVersion, record}.
func serverRecord(body json.RawMessage) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	var envelope struct {
		Record json.RawMessage `json:"record"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Record) > 0 {
		return envelope.Record
	}
	var probe struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.ID != 0 {
		return body
	}
	return nil
}

// mergeTouched builds the merged payload: the server's copy, with the
// fields the local edit actually changed overlaid on top. Bookkeeping
// fields always come from the server.
func mergeTouched(serverRec json.RawMessage, entry *model.JournalEntry) (json.RawMessage, int64, error) {
	touched, err := entry.TouchedFields()
	if err != nil {
		return nil, 0, err
	}
	for _, f := range []string{"id", "serverVersion", "syncStatus", "createdAt", "updatedAt"} {
		delete(touched, f)
	}

	var server map[string]json.RawMessage
	if err := json.Unmarshal(serverRec, &server); err != nil {
		return nil, 0, fmt.Errorf("failed to decode server record: %w", err)
	}
	var local map[string]json.RawMessage
	if err := json.Unmarshal(entry.Payload, &local); err != nil {
		return nil, 0, fmt.Errorf("failed to decode local payload: %w", err)
	}

	for f := range touched {
		if v, ok := local[f]; ok {
			server[f] = v
		}
	}

	var version int64
	if raw, ok := server["serverVersion"]; ok {
		_ = json.Unmarshal(raw, &version)
	}

	merged, err := json.Marshal(server)
	if err != nil {
		return nil, 0, err
	}
	return merged, version, nil
}
