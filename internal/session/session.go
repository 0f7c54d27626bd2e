// Package session holds the authenticated principal and bearer token for
// the current run, and gates which local data may be read or mutated.
//
// The gate never issues credentials. It stores what the login endpoint
// returned, persists it under a fixed key in the state directory so a page
// reload keeps the session, and wipes it on sign-out. The sync journal is
// deliberately not touched by sign-out: pending changes survive, paused.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rc-construcoes/rcsync/internal/model"
)

// sessionFile is the fixed key under which the session is persisted.
const sessionFile = "session.json"

var (
	// ErrNotAuthenticated is returned when no valid session exists.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrPermissionDenied is returned when the principal lacks a
	// required permission.
	ErrPermissionDenied = errors.New("permission denied")
)

// Principal identifies the signed-in user.
type Principal struct {
	ID          int64             `json:"id"`
	Username    string            `json:"username"`
	Role        string            `json:"role"`
	Permissions model.Permissions `json:"permissions"`
}

// Session is the persisted authentication state.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt int64     `json:"expiresAt"`
	Principal Principal `json:"principal"`
}

// Gate owns the session for this process.
type Gate struct {
	mu     sync.Mutex
	sess   *Session
	path   string
	logger *log.Logger
	now    func() time.Time
}

// NewGate creates a gate persisting to stateDir and restores any previous
// session found there.
func NewGate(stateDir string, logger *log.Logger) *Gate {
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	g := &Gate{
		path:   filepath.Join(stateDir, sessionFile),
		logger: logger,
		now:    time.Now,
	}
	g.restore()
	return g
}

func (g *Gate) restore() {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		g.logger.Printf("WARNING: discarding unreadable session file: %v", err)
		_ = os.Remove(g.path)
		return
	}
	g.sess = &sess
}

// SetSession installs a session returned by the login endpoint. When the
// server did not state an expiry, the token's exp claim is used; the claim
// is read without signature verification since only the server can verify
// its own secret.
func (g *Gate) SetSession(sess Session) error {
	if sess.Token == "" {
		return fmt.Errorf("session token must not be empty")
	}
	if sess.ExpiresAt == 0 {
		if exp := tokenExpiry(sess.Token); exp > 0 {
			sess.ExpiresAt = exp
		}
	}

	g.mu.Lock()
	g.sess = &sess
	g.mu.Unlock()

	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(g.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

func tokenExpiry(token string) int64 {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.UnixMilli()
}

// IsAuthenticated reports whether a non-expired session is present.
func (g *Gate) IsAuthenticated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.valid()
}

func (g *Gate) valid() bool {
	if g.sess == nil || g.sess.Token == "" {
		return false
	}
	if g.sess.ExpiresAt != 0 && g.sess.ExpiresAt <= g.now().UnixMilli() {
		return false
	}
	return true
}

// Principal returns the signed-in principal.
func (g *Gate) Principal() (Principal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.valid() {
		return Principal{}, ErrNotAuthenticated
	}
	return g.sess.Principal, nil
}

// RequirePermission checks the principal holds the named permission. The
// admin role passes every check.
func (g *Gate) RequirePermission(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.valid() {
		return ErrNotAuthenticated
	}
	if g.sess.Principal.Role == "admin" {
		return nil
	}
	if !g.sess.Principal.Permissions.Has(name) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, name)
	}
	return nil
}

// AuthHeader returns the Authorization header value for remote calls.
func (g *Gate) AuthHeader() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.valid() {
		return "", ErrNotAuthenticated
	}
	return "Bearer " + g.sess.Token, nil
}

// SignOut wipes the session state, in memory and on disk. Pending journal
// entries are left alone.
func (g *Gate) SignOut() error {
	g.mu.Lock()
	g.sess = nil
	g.mu.Unlock()
	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}
