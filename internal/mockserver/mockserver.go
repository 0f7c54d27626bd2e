// Package mockserver is an in-memory implementation of the authoritative
// REST API, used by the test suite and by `rcsync mock-server` for local
// development.
//
// It keeps versioned records per entity, serves cursor-based deltas, rejects
// stale updates with 409 and the current server copy, and rate-limits
// repeated failed logins.
package mockserver

import (
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/rc-construcoes/rcsync/internal/model"
)

// Login throttling: this many failures inside the window lock the account
// out until the window passes.
const (
	loginFailureLimit  = 5
	loginFailureWindow = 5 * time.Minute
)

type record struct {
	fields  map[string]any
	version int64
	seq     int64
	deleted bool
}

type table struct {
	rows   map[int64]*record
	nextID int64
}

type account struct {
	passwordHash []byte
	principal    map[string]any
}

// Server is the in-memory API.
type Server struct {
	mu       sync.Mutex
	tables   map[string]*table
	seq      int64
	accounts map[string]*account
	failures map[string][]time.Time

	secret []byte
	engine *gin.Engine

	// now is swappable for rate-limit tests.
	now func() time.Time
}

// New creates a server with one admin account (admin/admin123).
func New() *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		tables:   make(map[string]*table),
		accounts: make(map[string]*account),
		failures: make(map[string][]time.Time),
		secret:   []byte("mock-server-secret"),
		now:      time.Now,
	}
	for _, entity := range model.Entities {
		s.tables[entity] = &table{rows: make(map[int64]*record), nextID: 1000}
	}
	s.AddAccount("admin", "admin123", "admin", model.DefaultPermissions)

	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// AddAccount registers a login. Safe to call at any time.
func (s *Server) AddAccount(username, password, role string, permissions []string) {
	hash, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[username] = &account{
		passwordHash: hash,
		principal: map[string]any{
			"id":          int64(1),
			"username":    username,
			"role":        role,
			"permissions": permissions,
		},
	}
}

func (s *Server) routes() {
	s.engine.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.POST("/api/auth/login", s.handleLogin)

	authed := s.engine.Group("/api", s.authMiddleware)
	for _, entity := range model.Entities {
		entity := entity
		authed.GET("/"+entity, func(c *gin.Context) { s.handleDelta(c, entity) })
		authed.POST("/"+entity, func(c *gin.Context) { s.handleCreate(c, entity) })
		authed.GET("/"+entity+"/:id", func(c *gin.Context) { s.handleGet(c, entity) })
		authed.PUT("/"+entity+"/:id", func(c *gin.Context) { s.handleUpdate(c, entity) })
		authed.DELETE("/"+entity+"/:id", func(c *gin.Context) { s.handleDelete(c, entity) })
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&creds); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "malformed credentials"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lockedOut(creds.Username) {
		c.Header("Retry-After", strconv.Itoa(int(loginFailureWindow.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{"message": "too many failed logins"})
		return
	}

	acct := s.accounts[creds.Username]
	if acct == nil || bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(creds.Password)) != nil {
		s.failures[creds.Username] = append(s.failures[creds.Username], s.now())
		c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid credentials"})
		return
	}
	delete(s.failures, creds.Username)

	expires := s.now().Add(24 * time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": creds.Username,
		"exp": expires.Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"message": "failed to sign token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     signed,
		"expiresAt": expires.UnixMilli(),
		"principal": acct.principal,
	})
}

// lockedOut prunes expired failures and reports whether the account is over
// the limit. Caller holds the lock.
func (s *Server) lockedOut(username string) bool {
	cutoff := s.now().Add(-loginFailureWindow)
	var recent []time.Time
	for _, t := range s.failures[username] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	s.failures[username] = recent
	return len(recent) >= loginFailureLimit
}

func (s *Server) authMiddleware(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if len(header) < 8 || header[:7] != "Bearer " {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "missing bearer token"})
		return
	}
	_, err := jwt.Parse(header[7:], func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
		return
	}
	c.Next()
}

func (s *Server) handleDelta(c *gin.Context, entity string) {
	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tbl := s.tables[entity]
	var changed []*record
	for _, r := range tbl.rows {
		if r.seq > since && !r.deleted {
			changed = append(changed, r)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].seq < changed[j].seq })

	hasMore := len(changed) > limit
	if hasMore {
		changed = changed[:limit]
	}
	items := make([]map[string]any, 0, len(changed))
	cursor := since
	for _, r := range changed {
		items = append(items, r.fields)
		cursor = r.seq
	}
	c.JSON(http.StatusOK, gin.H{
		"items":      items,
		"nextCursor": strconv.FormatInt(cursor, 10),
		"hasMore":    hasMore,
	})
}

func (s *Server) handleCreate(c *gin.Context, entity string) {
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "malformed payload"})
		return
	}
	if msg := s.reject(entity, fields); msg != "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": msg})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tbl := s.tables[entity]
	id := tbl.nextID
	tbl.nextID++
	s.seq++

	now := s.now().UnixMilli()
	fields["id"] = id
	fields["serverVersion"] = int64(1)
	fields["createdAt"] = now
	fields["updatedAt"] = now
	delete(fields, "syncStatus")

	tbl.rows[id] = &record{fields: fields, version: 1, seq: s.seq}
	c.JSON(http.StatusCreated, fields)
}

func (s *Server) handleGet(c *gin.Context, entity string) {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.tables[entity].rows[id]
	if r == nil || r.deleted {
		c.JSON(http.StatusNotFound, gin.H{"message": "not found"})
		return
	}
	c.JSON(http.StatusOK, r.fields)
}

func (s *Server) handleUpdate(c *gin.Context, entity string) {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64)
	var fields map[string]any
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": "malformed payload"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.tables[entity].rows[id]
	if r == nil || r.deleted {
		c.JSON(http.StatusNotFound, gin.H{"message": "not found"})
		return
	}

	base := int64(0)
	if v, ok := fields["serverVersion"].(float64); ok {
		base = int64(v)
	}
	if base != r.version {
		c.JSON(http.StatusConflict, gin.H{
			"serverVersion": r.version,
			"record":        r.fields,
		})
		return
	}
	if msg := s.reject(entity, fields); msg != "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"message": msg})
		return
	}

	for k, v := range fields {
		switch k {
		case "id", "serverVersion", "syncStatus", "createdAt":
		default:
			r.fields[k] = v
		}
	}
	r.version++
	s.seq++
	r.seq = s.seq
	r.fields["serverVersion"] = r.version
	r.fields["updatedAt"] = s.now().UnixMilli()
	c.JSON(http.StatusOK, r.fields)
}

func (s *Server) handleDelete(c *gin.Context, entity string) {
	id, _ := strconv.ParseInt(c.Param("id"), 10, 64)

	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.tables[entity].rows[id]
	if r == nil || r.deleted {
		c.JSON(http.StatusNotFound, gin.H{"message": "not found"})
		return
	}
	r.deleted = true
	s.seq++
	r.seq = s.seq
	c.Status(http.StatusNoContent)
}

// reject applies the server-side validation rules the client cannot bypass.
// Returns a message for invalid payloads, "" otherwise.
func (s *Server) reject(entity string, fields map[string]any) string {
	switch entity {
	case model.EntityBudgets, model.EntityFinancials:
		if v, ok := fields["amount"].(float64); ok && v < 0 {
			return "amount must not be negative"
		}
	case model.EntityContracts:
		if v, ok := fields["value"].(float64); ok && v < 0 {
			return "value must not be negative"
		}
	}
	return ""
}

// Put seeds or mutates a record directly, bypassing the HTTP surface. Useful
// for making the server copy newer than a client's. Returns the new server
// version.
func (s *Server) Put(entity string, id int64, fields map[string]any) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	tbl := s.tables[entity]
	r := tbl.rows[id]
	if r == nil {
		r = &record{fields: map[string]any{"id": id}}
		tbl.rows[id] = r
		if id >= tbl.nextID {
			tbl.nextID = id + 1
		}
	}
	for k, v := range fields {
		r.fields[k] = v
	}
	r.version++
	s.seq++
	r.seq = s.seq
	r.deleted = false
	r.fields["serverVersion"] = r.version
	r.fields["updatedAt"] = s.now().UnixMilli()
	return r.version
}

// Record returns a copy of the server's fields for a record, nil if absent
// or deleted.
func (s *Server) Record(entity string, id int64) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.tables[entity].rows[id]
	if r == nil || r.deleted {
		return nil
	}
	out := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// Remove deletes a record server-side, bypassing the HTTP surface.
func (s *Server) Remove(entity string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.tables[entity].rows[id]; r != nil {
		r.deleted = true
		s.seq++
		r.seq = s.seq
	}
}
