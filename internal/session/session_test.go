package session

import (
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rc-construcoes/rcsync/internal/model"
)

func newTestGate(t *testing.T) (*Gate, string) {
	t.Helper()
	dir := t.TempDir()
	return NewGate(dir, log.New(io.Discard, "", 0)), dir
}

func testSession(expiresAt int64) Session {
	return Session{
		Token:     "tok",
		ExpiresAt: expiresAt,
		Principal: Principal{
			ID:          7,
			Username:    "maria",
			Role:        "manager",
			Permissions: model.Permissions{"clients_view"},
		},
	}
}

func TestSetSessionAuthenticates(t *testing.T) {
	g, _ := newTestGate(t)
	if g.IsAuthenticated() {
		t.Fatal("fresh gate reports authenticated")
	}

	if err := g.SetSession(testSession(time.Now().Add(time.Hour).UnixMilli())); err != nil {
		t.Fatalf("SetSession() failed: %v", err)
	}
	if !g.IsAuthenticated() {
		t.Fatal("IsAuthenticated() = false after SetSession")
	}

	p, err := g.Principal()
	if err != nil {
		t.Fatalf("Principal() failed: %v", err)
	}
	if p.Username != "maria" {
		t.Errorf("principal = %+v", p)
	}
}

func TestSessionSurvivesRestart(t *testing.T) {
	g, dir := newTestGate(t)
	if err := g.SetSession(testSession(time.Now().Add(time.Hour).UnixMilli())); err != nil {
		t.Fatalf("SetSession() failed: %v", err)
	}

	// A new gate over the same state dir restores the session.
	g2 := NewGate(dir, log.New(io.Discard, "", 0))
	if !g2.IsAuthenticated() {
		t.Fatal("restored gate not authenticated")
	}
	header, err := g2.AuthHeader()
	if err != nil {
		t.Fatalf("AuthHeader() failed: %v", err)
	}
	if header != "Bearer tok" {
		t.Errorf("AuthHeader() = %q", header)
	}
}

func TestExpiredSessionIsInvalid(t *testing.T) {
	g, _ := newTestGate(t)
	if err := g.SetSession(testSession(time.Now().Add(-time.Minute).UnixMilli())); err != nil {
		t.Fatalf("SetSession() failed: %v", err)
	}
	if g.IsAuthenticated() {
		t.Error("expired session reported valid")
	}
	if _, err := g.Principal(); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Principal() = %v, want ErrNotAuthenticated", err)
	}
}

func TestExpiryFallsBackToTokenClaim(t *testing.T) {
	g, _ := newTestGate(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "maria",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	sess := testSession(0)
	sess.Token = signed
	if err := g.SetSession(sess); err != nil {
		t.Fatalf("SetSession() failed: %v", err)
	}
	if !g.IsAuthenticated() {
		t.Error("session with only a token exp claim reported invalid")
	}
}

func TestRequirePermission(t *testing.T) {
	g, _ := newTestGate(t)
	if err := g.RequirePermission("clients_view"); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("signed-out check = %v, want ErrNotAuthenticated", err)
	}

	if err := g.SetSession(testSession(time.Now().Add(time.Hour).UnixMilli())); err != nil {
		t.Fatal(err)
	}

	if err := g.RequirePermission("clients_view"); err != nil {
		t.Errorf("granted permission rejected: %v", err)
	}
	if err := g.RequirePermission("financial_edit"); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("missing permission = %v, want ErrPermissionDenied", err)
	}
}

func TestAdminBypassesPermissionChecks(t *testing.T) {
	g, _ := newTestGate(t)
	sess := testSession(time.Now().Add(time.Hour).UnixMilli())
	sess.Principal.Role = "admin"
	sess.Principal.Permissions = nil
	if err := g.SetSession(sess); err != nil {
		t.Fatal(err)
	}
	if err := g.RequirePermission("anything_at_all"); err != nil {
		t.Errorf("admin denied: %v", err)
	}
}

func TestSignOutWipesSessionOnly(t *testing.T) {
	g, dir := newTestGate(t)
	if err := g.SetSession(testSession(time.Now().Add(time.Hour).UnixMilli())); err != nil {
		t.Fatal(err)
	}
	if err := g.SignOut(); err != nil {
		t.Fatalf("SignOut() failed: %v", err)
	}
	if g.IsAuthenticated() {
		t.Error("still authenticated after SignOut")
	}
	if _, err := os.Stat(filepath.Join(dir, sessionFile)); !os.IsNotExist(err) {
		t.Error("session file survived SignOut")
	}
	// Signing out twice is fine.
	if err := g.SignOut(); err != nil {
		t.Errorf("second SignOut() failed: %v", err)
	}
}

func TestCorruptSessionFileIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, sessionFile), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	g := NewGate(dir, log.New(io.Discard, "", 0))
	if g.IsAuthenticated() {
		t.Error("corrupt session file produced a session")
	}
}
