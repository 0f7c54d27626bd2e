package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rc-construcoes/rcsync/internal/api"
	"github.com/rc-construcoes/rcsync/internal/bus"
	"github.com/rc-construcoes/rcsync/internal/connectivity"
	"github.com/rc-construcoes/rcsync/internal/mockserver"
	"github.com/rc-construcoes/rcsync/internal/model"
	"github.com/rc-construcoes/rcsync/internal/session"
	"github.com/rc-construcoes/rcsync/internal/store"
)

type testEnv struct {
	engine  *Engine
	store   *store.Store
	bus     *bus.Bus
	gate    *session.Gate
	monitor *connectivity.Monitor
	mock    *mockserver.Server
	ts      *httptest.Server
}

// newTestEnv wires an engine against the in-memory mock server, signed in
// and online.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, nil)
}

// newTestEnvWith lets a test interpose on the mock server's handler, e.g.
// to stall or observe individual requests.
func newTestEnvWith(t *testing.T, wrap func(http.Handler) http.Handler) *testEnv {
	t.Helper()
	ctx := context.Background()
	quiet := log.New(io.Discard, "", 0)

	mock := mockserver.New()
	var handler http.Handler = mock.Handler()
	if wrap != nil {
		handler = wrap(handler)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "local.db"), &store.Options{Logger: quiet})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New()
	gate := session.NewGate(t.TempDir(), quiet)
	client := api.New(ts.URL, gate.AuthHeader)

	login, err := client.Login(ctx, "admin", "admin123")
	require.NoError(t, err)
	require.NoError(t, gate.SetSession(session.Session{
		Token:     login.Token,
		ExpiresAt: login.ExpiresAt,
		Principal: login.Principal,
	}))

	mon := connectivity.New(b, &connectivity.Config{Debounce: time.Nanosecond, Logger: quiet})
	mon.SetOnline(true)

	cfg := DefaultConfig()
	cfg.Logger = quiet
	return &testEnv{
		engine:  New(st, client, gate, mon, b, cfg),
		store:   st,
		bus:     b,
		gate:    gate,
		monitor: mon,
		mock:    mock,
		ts:      ts,
	}
}

func getClient(t *testing.T, st *store.Store, id int64) *model.Client {
	t.Helper()
	rec, err := st.Get(context.Background(), model.EntityClients, id)
	require.NoError(t, err)
	return rec.(*model.Client)
}

func journalCount(t *testing.T, st *store.Store) int64 {
	t.Helper()
	n, err := st.JournalCount(context.Background())
	require.NoError(t, err)
	return n
}

func TestCycleSyncsOfflineCreateAndEdit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Created and edited before the first sync; the server must see a
	// single POST carrying the final fields.
	c := &model.Client{Name: "Acme", Email: "a@b.com"}
	require.NoError(t, env.store.Create(ctx, c))
	localID := c.ID

	edited := getClient(t, env.store, localID)
	edited.Phone = "999"
	require.NoError(t, env.store.Update(ctx, edited))

	var completed Completed
	env.bus.Subscribe(bus.TopicSyncCompleted, func(ev bus.Event) {
		completed = ev.Data.(Completed)
	})

	require.NoError(t, env.engine.RunCycle(ctx))

	require.Equal(t, 1, completed.Pushed, "coalesced chain must push exactly once")
	require.Zero(t, journalCount(t, env.store))

	// The local id was remapped into the server's id space.
	synced := getClient(t, env.store, 1000)
	require.Equal(t, model.StatusSynced, synced.SyncStatus)
	require.Equal(t, "999", synced.Phone)

	rec := env.mock.Record(model.EntityClients, 1000)
	require.NotNil(t, rec)
	require.Equal(t, "Acme", rec["name"])
	require.Equal(t, "999", rec["phone"])
}

func TestCycleRemapsQueuedChildReferences(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A client and a dependent budget created in the same offline stretch.
	// The budget's queued payload carries the client's provisional id; the
	// create ack has to rewrite it before the budget is pushed.
	c := &model.Client{Name: "Acme", Email: "a@b.com"}
	require.NoError(t, env.store.Create(ctx, c))
	b := &model.Budget{ClientID: c.ID, Title: "Kitchen", Amount: 1500}
	require.NoError(t, env.store.Create(ctx, b))

	require.NoError(t, env.engine.RunCycle(ctx))
	require.Zero(t, journalCount(t, env.store))

	rec := env.mock.Record(model.EntityBudgets, 1001)
	require.NotNil(t, rec)
	require.EqualValues(t, 1000, rec["clientId"], "budget must carry the server-assigned client id")

	local, err := env.store.Get(ctx, model.EntityBudgets, 1001)
	require.NoError(t, err)
	require.Equal(t, int64(1000), local.(*model.Budget).ClientID)
}

func TestCyclePullsServerChanges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mock.Put(model.EntityClients, 50, map[string]any{"name": "Pulled", "email": "p@b.com"})

	require.NoError(t, env.engine.RunCycle(ctx))

	local := getClient(t, env.store, 50)
	require.Equal(t, "Pulled", local.Name)
	require.Equal(t, model.StatusSynced, local.SyncStatus)
	require.Equal(t, int64(1), local.ServerVersion)

	cursor, err := env.store.GetCursor(ctx, model.EntityClients)
	require.NoError(t, err)
	require.NotEmpty(t, cursor)
}

func TestCycleDeletesOnServer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := &model.Client{Name: "Doomed", Email: "d@b.com"}
	require.NoError(t, env.store.Create(ctx, c))
	require.NoError(t, env.engine.RunCycle(ctx))

	require.NoError(t, env.store.Delete(ctx, model.EntityClients, 1000))
	require.NoError(t, env.engine.RunCycle(ctx))

	require.Nil(t, env.mock.Record(model.EntityClients, 1000))
	_, err := env.store.Get(ctx, model.EntityClients, 1000)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Zero(t, journalCount(t, env.store))
}

func TestStaleUpdateConvergesWithinOneCycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.mock.Put(model.EntityClients, 60, map[string]any{"name": "Server A", "email": "s@b.com"})
	require.NoError(t, env.engine.RunCycle(ctx))

	// Local edit touches only the phone.
	edited := getClient(t, env.store, 60)
	edited.Phone = "777"
	require.NoError(t, env.store.Update(ctx, edited))

	// Someone else bumps the server copy before we push.
	env.mock.Put(model.EntityClients, 60, map[string]any{"name": "Server B"})

	require.NoError(t, env.engine.RunCycle(ctx))

	// The merge keeps the server's name and our phone, and the re-push at
	// the end of the cycle lands it without waiting for the next tick.
	rec := env.mock.Record(model.EntityClients, 60)
	require.NotNil(t, rec)
	require.Equal(t, "Server B", rec["name"])
	require.Equal(t, "777", rec["phone"])

	local := getClient(t, env.store, 60)
	require.Equal(t, model.StatusSynced, local.SyncStatus)
	require.Equal(t, "Server B", local.Name)
	require.Equal(t, "777", local.Phone)
	require.Zero(t, journalCount(t, env.store))
}

// parkedClient sets up a record whose pending update was already merged
// once, then feeds the engine a second stale rejection so it parks.
func parkedClient(t *testing.T, env *testEnv) int64 {
	t.Helper()
	ctx := context.Background()

	env.mock.Put(model.EntityClients, 60, map[string]any{"name": "Server A", "email": "s@b.com"})
	require.NoError(t, env.engine.RunCycle(ctx))

	edited := getClient(t, env.store, 60)
	edited.Phone = "777"
	require.NoError(t, env.store.Update(ctx, edited))

	env.mock.Put(model.EntityClients, 60, map[string]any{"name": "Server B"})

	chain, err := env.store.ChainEntries(ctx, model.EntityClients, 60)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	entry := chain[0]
	entry.LastError = staleNote

	server, err := json.Marshal(env.mock.Record(model.EntityClients, 60))
	require.NoError(t, err)
	body, err := json.Marshal(map[string]json.RawMessage{
		"serverVersion": json.RawMessage("2"),
		"record":        server,
	})
	require.NoError(t, err)

	err = env.engine.handleStale(ctx, &entry, &api.StaleError{ServerVersion: 2, Body: body})
	require.ErrorContains(t, err, "parked in conflict")
	return 60
}

func TestSecondStaleRejectionParksConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var conflictEvents int
	env.bus.Subscribe(bus.TopicConflict, func(bus.Event) { conflictEvents++ })

	id := parkedClient(t, env)

	local := getClient(t, env.store, id)
	require.Equal(t, model.StatusConflict, local.SyncStatus)
	require.Equal(t, 1, conflictEvents)

	conflicts, err := env.engine.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, model.EntityClients, conflicts[0].Entity)
	require.Equal(t, id, conflicts[0].LocalID)
	require.NotEmpty(t, conflicts[0].Server)

	// A parked chain is out of the push queue until the user decides.
	pending, err := env.store.PendingEntries(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestResolveConflictAcceptServer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := parkedClient(t, env)

	require.NoError(t, env.engine.ResolveConflict(ctx, model.EntityClients, id, ChoiceAcceptServer))

	local := getClient(t, env.store, id)
	require.Equal(t, model.StatusSynced, local.SyncStatus)
	require.Equal(t, "Server B", local.Name)
	require.Zero(t, journalCount(t, env.store))

	conflicts, err := env.engine.Conflicts(ctx)
	require.NoError(t, err)
	require.Empty(t, conflicts)
}

func TestResolveConflictKeepLocal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	id := parkedClient(t, env)

	require.NoError(t, env.engine.ResolveConflict(ctx, model.EntityClients, id, ChoiceKeepLocal))

	local := getClient(t, env.store, id)
	require.Equal(t, model.StatusPendingUpdate, local.SyncStatus)
	require.Len(t, env.engine.trigger, 1, "keepLocal must request a sync")

	// The re-armed update lands on the next cycle.
	require.NoError(t, env.engine.RunCycle(ctx))

	rec := env.mock.Record(model.EntityClients, id)
	require.NotNil(t, rec)
	require.Equal(t, "777", rec["phone"])
	require.Equal(t, model.StatusSynced, getClient(t, env.store, id).SyncStatus)
	require.Zero(t, journalCount(t, env.store))
}

func TestResolveConflictRejectsUnknownChoice(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.ResolveConflict(context.Background(), model.EntityClients, 1, "splitTheBaby")
	require.ErrorContains(t, err, "unknown resolution choice")
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := &model.Client{Name: "Acme", Email: "a@b.com"}
	require.NoError(t, env.store.Create(ctx, c))

	var failed int
	env.bus.Subscribe(bus.TopicSyncFailed, func(bus.Event) { failed++ })

	env.ts.Close() // server goes away
	require.Error(t, env.engine.RunCycle(ctx))
	require.Equal(t, 1, failed)

	chain, err := env.store.ChainEntries(ctx, model.EntityClients, c.ID)
	require.NoError(t, err)
	require.Len(t, chain, 1)
	require.Equal(t, 1, chain[0].Attempts)
	require.NotEmpty(t, chain[0].LastError)
	require.Greater(t, chain[0].NextAttemptAt, time.Now().Add(time.Second).UnixMilli())
}

func TestCycleIdlesWhileOffline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	c := &model.Client{Name: "Acme", Email: "a@b.com"}
	require.NoError(t, env.store.Create(ctx, c))

	time.Sleep(5 * time.Millisecond) // clear the debounce window
	env.monitor.SetOnline(false)

	var events int
	env.bus.SubscribeAll(func(bus.Event) { events++ })

	require.NoError(t, env.engine.RunCycle(ctx))
	require.Zero(t, events, "offline cycle must not touch anything")
	require.Equal(t, int64(1), journalCount(t, env.store))
}

func TestCycleIdlesWhileSignedOut(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.gate.SignOut())

	var events int
	env.bus.SubscribeAll(func(bus.Event) { events++ })

	require.NoError(t, env.engine.RunCycle(context.Background()))
	require.Zero(t, events)
}

func TestTriggerCoalesces(t *testing.T) {
	env := newTestEnv(t)
	env.engine.Trigger()
	env.engine.Trigger()
	env.engine.Trigger()
	require.Len(t, env.engine.trigger, 1)
}

func TestTriggersCoalesceWhileCycleInFlight(t *testing.T) {
	var once sync.Once
	started := make(chan struct{})
	release := make(chan struct{})

	// Stall the first delta pull so the first cycle stays in flight while
	// further triggers arrive.
	env := newTestEnvWith(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/users") {
				once.Do(func() {
					close(started)
					<-release
				})
			}
			next.ServeHTTP(w, r)
		})
	})

	var completed atomic.Int32
	env.bus.Subscribe(bus.TopicSyncCompleted, func(bus.Event) { completed.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	env.engine.Start(ctx)
	env.engine.Trigger()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first cycle never reached the server")
	}
	require.Equal(t, 1, env.engine.InFlight())

	env.engine.Trigger()
	env.engine.Trigger()
	env.engine.Trigger()
	require.Len(t, env.engine.trigger, 1, "triggers during a cycle must collapse into one")

	close(release)
	require.Eventually(t, func() bool { return completed.Load() == 2 },
		5*time.Second, 5*time.Millisecond, "expected the cycle plus one coalesced follow-up")

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(2), completed.Load(), "coalesced triggers must not fan out")

	cancel()
	env.engine.Wait()
}

func TestOfflineGraceDropsLateSettledPush(t *testing.T) {
	// The connection drops while the create is on the wire. With no grace
	// window the settled result must not be applied; the entry stays queued
	// for the next online cycle.
	var env *testEnv
	env = newTestEnvWith(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && r.URL.Path == "/api/clients" {
				env.monitor.SetOnline(false)
			}
			next.ServeHTTP(w, r)
		})
	})
	env.engine.config.OfflineGrace = 0
	ctx := context.Background()

	c := &model.Client{Name: "Acme", Email: "a@b.com"}
	require.NoError(t, env.store.Create(ctx, c))

	require.NoError(t, env.engine.RunCycle(ctx))

	require.Equal(t, int64(1), journalCount(t, env.store))
	require.Equal(t, model.StatusPendingCreate, getClient(t, env.store, c.ID).SyncStatus)
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{4, 80 * time.Second},
		{10, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt%d", tt.attempts), func(t *testing.T) {
			require.Equal(t, tt.want, env.engine.backoff(tt.attempts))
		})
	}
}
