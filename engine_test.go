package authgate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/finchsec/authgate/password"
)

const (
	testUserID     = "u1"
	testIdentifier = "alice"
	testPassword   = "correct-password-123"
)

// fakeClock is a manually advanced time source shared by the engine and
// every store it builds.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// mockCredentialStore is an in-memory CredentialStore.
type mockCredentialStore struct {
	mu     sync.Mutex
	byID   map[string]*Credential
	byName map[string]*Credential
}

func newMockCredentialStore() *mockCredentialStore {
	return &mockCredentialStore{
		byID:   make(map[string]*Credential),
		byName: make(map[string]*Credential),
	}
}

func (s *mockCredentialStore) put(cred *Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cred
	s.byID[c.UserID] = &c
	s.byName[strings.ToLower(c.Identifier)] = &c
}

func (s *mockCredentialStore) GetByIdentifier(_ context.Context, identifier string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.byName[strings.ToLower(identifier)]
	if !ok {
		return nil, ErrUserNotFound
	}
	c := *cred
	return &c, nil
}

func (s *mockCredentialStore) GetByUserID(_ context.Context, userID string) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.byID[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	c := *cred
	return &c, nil
}

func (s *mockCredentialStore) Save(_ context.Context, cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cred
	s.byID[c.UserID] = &c
	s.byName[strings.ToLower(c.Identifier)] = &c
	return nil
}

// mockSender records challenge codes instead of delivering them.
type mockSender struct {
	mu    sync.Mutex
	codes []string
	fail  bool
}

func (s *mockSender) SendCode(_ context.Context, _ string, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return context.DeadlineExceeded
	}
	s.codes = append(s.codes, code)
	return nil
}

func (s *mockSender) lastCode(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		t.Fatal("no challenge code was sent")
	}
	return s.codes[len(s.codes)-1]
}

type mockBreachChecker struct {
	breached bool
	err      error
}

func (m *mockBreachChecker) IsBreached(context.Context, string) (bool, error) {
	return m.breached, m.err
}

// mockRequestStore is an in-memory PermissionRequestStore.
type mockRequestStore struct {
	mu       sync.Mutex
	requests map[string]*PermissionRequest
}

func newMockRequestStore() *mockRequestStore {
	return &mockRequestStore{requests: make(map[string]*PermissionRequest)}
}

func (s *mockRequestStore) put(req *PermissionRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *req
	s.requests[r.ID] = &r
}

func (s *mockRequestStore) Get(_ context.Context, requestID string) (*PermissionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	r := *req
	return &r, nil
}

func (s *mockRequestStore) Delete(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, requestID)
	return nil
}

func (s *mockRequestStore) exists(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.requests[requestID]
	return ok
}

// mockAssignmentStore is an in-memory versioned RoleAssignmentStore. Setting
// conflictGrants makes the next N Grant calls fail with a version conflict.
type mockAssignmentStore struct {
	mu             sync.Mutex
	assignments    map[string]*RoleAssignment
	conflictGrants int
	grantCalls     int
}

func newMockAssignmentStore() *mockAssignmentStore {
	return &mockAssignmentStore{assignments: make(map[string]*RoleAssignment)}
}

func (s *mockAssignmentStore) put(userID string, roles ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[userID] = &RoleAssignment{UserID: userID, Roles: roles, Version: 1}
}

func (s *mockAssignmentStore) remove(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments, userID)
}

func (s *mockAssignmentStore) GetAssignment(_ context.Context, userID string) (*RoleAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *a
	cp.Roles = append([]string(nil), a.Roles...)
	return &cp, nil
}

func (s *mockAssignmentStore) Grant(_ context.Context, userID, role string, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.grantCalls++
	if s.conflictGrants > 0 {
		s.conflictGrants--
		return ErrAssignmentConflict
	}

	a, ok := s.assignments[userID]
	if !ok {
		return ErrUserNotFound
	}
	if a.Version != expectedVersion {
		return ErrAssignmentConflict
	}

	a.Roles = append(a.Roles, role)
	a.Version++
	return nil
}

func (s *mockAssignmentStore) roles(userID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[userID]
	if !ok {
		return nil
	}
	return append([]string(nil), a.Roles...)
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.Credential.HashMemoryKB = 8 * 1024
	cfg.Credential.HashTime = 1
	cfg.Credential.HashParallelism = 1
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.PrivateKey = []byte("test-secret-test-secret-test-key")
	cfg.Sweep.Enabled = false
	return cfg
}

type testEnv struct {
	clock       *fakeClock
	creds       *mockCredentialStore
	sender      *mockSender
	requests    *mockRequestStore
	assignments *mockAssignmentStore
	redis       redis.UniversalClient
}

// newTestEngine builds an engine over miniredis with in-memory collaborator
// stores and one seeded active user.
func newTestEngine(t *testing.T, cfg Config, mutate func(b *Builder, env *testEnv)) (*Engine, *testEnv) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{mr.Addr()},
	})
	t.Cleanup(func() { _ = client.Close() })

	env := &testEnv{
		clock:       newFakeClock(),
		creds:       newMockCredentialStore(),
		sender:      &mockSender{},
		requests:    newMockRequestStore(),
		assignments: newMockAssignmentStore(),
		redis:       client,
	}

	seedUser(t, cfg, env.creds, &Credential{
		UserID:     testUserID,
		Identifier: testIdentifier,
		Status:     CredentialActive,
	})

	b := New().
		WithConfig(cfg).
		WithRedis(client).
		WithCredentialStore(env.creds).
		WithPermissionStores(env.requests, env.assignments).
		WithRoles("admin", "editor", "viewer").
		WithCodeSender(env.sender).
		WithClock(env.clock.Now)

	if mutate != nil {
		mutate(b, env)
	}

	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return engine, env
}

// seedUser hashes testPassword with the config's parameters and stores the
// credential.
func seedUser(t *testing.T, cfg Config, store *mockCredentialStore, cred *Credential) {
	t.Helper()

	hasher, err := password.NewHasher(password.Config{
		MemoryKB:    cfg.Credential.HashMemoryKB,
		Time:        cfg.Credential.HashTime,
		Parallelism: cfg.Credential.HashParallelism,
		SaltLength:  cfg.Credential.HashSaltLength,
		KeyLength:   cfg.Credential.HashKeyLength,
	})
	if err != nil {
		t.Fatalf("NewHasher failed: %v", err)
	}

	hash, err := hasher.Hash(testPassword)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	cred.PasswordHash = hash
	store.put(cred)
}
