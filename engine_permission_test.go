package authgate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func seedRequest(env *testEnv, id, userID, role string) {
	env.requests.put(&PermissionRequest{
		ID:            id,
		UserID:        userID,
		RequestedRole: role,
		CreatedBy:     "admin-1",
		CreatedAt:     env.clock.Now(),
	})
}

func TestApprovePermission_GrantsAndConsumesRequest(t *testing.T) {
	engine, env := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	env.assignments.put(testUserID, "viewer")
	seedRequest(env, "req-1", testUserID, "editor")

	if err := engine.ApprovePermission(ctx, "req-1", "admin-1"); err != nil {
		t.Fatalf("ApprovePermission failed: %v", err)
	}

	if !hasRole(env.assignments.roles(testUserID), "editor") {
		t.Fatal("editor role was not granted")
	}
	if env.requests.exists("req-1") {
		t.Fatal("approved request must be consumed")
	}

	if err := engine.ApprovePermission(ctx, "req-1", "admin-1"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("re-approval: expected ErrRequestNotFound, got %v", err)
	}
}

func TestApprovePermission_UnknownRole(t *testing.T) {
	engine, env := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	env.assignments.put(testUserID)
	seedRequest(env, "req-1", testUserID, "superuser")

	if err := engine.ApprovePermission(ctx, "req-1", "admin-1"); !errors.Is(err, ErrRoleUnknown) {
		t.Fatalf("expected ErrRoleUnknown, got %v", err)
	}
	if !env.requests.exists("req-1") {
		t.Fatal("request must stay pending on an unknown role")
	}
}

func TestApprovePermission_DeletedUserLeavesRequestPending(t *testing.T) {
	engine, env := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	seedRequest(env, "req-1", "ghost", "editor")

	if err := engine.ApprovePermission(ctx, "req-1", "admin-1"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if !env.requests.exists("req-1") {
		t.Fatal("request must stay pending when the target user is gone")
	}
}

func TestApprovePermission_VersionConflictRetries(t *testing.T) {
	cfg := testConfig()
	cfg.Permission.MaxGrantRetries = 3
	engine, env := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	env.assignments.put(testUserID)
	env.assignments.conflictGrants = 2
	seedRequest(env, "req-1", testUserID, "editor")

	if err := engine.ApprovePermission(ctx, "req-1", "admin-1"); err != nil {
		t.Fatalf("ApprovePermission failed after retries: %v", err)
	}
	if !hasRole(env.assignments.roles(testUserID), "editor") {
		t.Fatal("editor role was not granted")
	}
}

func TestApprovePermission_RetryBudgetExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.Permission.MaxGrantRetries = 2
	engine, env := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	env.assignments.put(testUserID)
	env.assignments.conflictGrants = 10
	seedRequest(env, "req-1", testUserID, "editor")

	if err := engine.ApprovePermission(ctx, "req-1", "admin-1"); !errors.Is(err, ErrRoleGrantFailed) {
		t.Fatalf("expected ErrRoleGrantFailed, got %v", err)
	}
	if !env.requests.exists("req-1") {
		t.Fatal("request must stay pending when the grant never landed")
	}
}

func TestApprovePermission_AlreadyHeldIsIdempotent(t *testing.T) {
	engine, env := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	env.assignments.put(testUserID, "editor")
	seedRequest(env, "req-1", testUserID, "editor")

	if err := engine.ApprovePermission(ctx, "req-1", "admin-1"); err != nil {
		t.Fatalf("ApprovePermission failed: %v", err)
	}
	if env.requests.exists("req-1") {
		t.Fatal("request must be consumed even when the role is already held")
	}

	roles := env.assignments.roles(testUserID)
	count := 0
	for _, r := range roles {
		if r == "editor" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("editor role duplicated: %v", roles)
	}
}

func TestRejectPermission(t *testing.T) {
	engine, env := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	env.assignments.put(testUserID)
	seedRequest(env, "req-1", testUserID, "editor")

	if err := engine.RejectPermission(ctx, "req-1", "admin-1"); err != nil {
		t.Fatalf("RejectPermission failed: %v", err)
	}
	if env.requests.exists("req-1") {
		t.Fatal("rejected request must be consumed")
	}
	if hasRole(env.assignments.roles(testUserID), "editor") {
		t.Fatal("rejection must not grant the role")
	}
}

func TestApprovePermissions_BulkAggregates(t *testing.T) {
	engine, env := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	env.assignments.put(testUserID)
	seedRequest(env, "req-1", testUserID, "editor")
	seedRequest(env, "req-2", "ghost", "viewer")
	seedRequest(env, "req-3", testUserID, "admin")

	result, err := engine.ApprovePermissions(ctx, []string{"req-1", "req-2", "req-3", "req-missing"}, "admin-1")
	if err != nil {
		t.Fatalf("ApprovePermissions failed: %v", err)
	}

	if result.Approved != 2 {
		t.Fatalf("expected 2 approvals, got %d", result.Approved)
	}
	if !errors.Is(result.Failed["req-2"], ErrUserNotFound) {
		t.Fatalf("req-2: expected ErrUserNotFound, got %v", result.Failed["req-2"])
	}
	if !errors.Is(result.Failed["req-missing"], ErrRequestNotFound) {
		t.Fatalf("req-missing: expected ErrRequestNotFound, got %v", result.Failed["req-missing"])
	}
}

func TestApprovePermission_ConcurrentApprovalsGrantOnce(t *testing.T) {
	cfg := testConfig()
	cfg.Permission.MaxGrantRetries = 8
	engine, env := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	env.assignments.put(testUserID)
	roles := []string{"admin", "editor", "viewer"}
	for _, role := range roles {
		seedRequest(env, "req-"+role, testUserID, role)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(roles))
	for _, role := range roles {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			errs <- engine.ApprovePermission(ctx, id, "admin-1")
		}(("req-" + role))
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent approval failed: %v", err)
		}
	}

	granted := env.assignments.roles(testUserID)
	if len(granted) != len(roles) {
		t.Fatalf("expected %d granted roles, got %v", len(roles), granted)
	}
}

func TestPermissionRequest_AuditCarriesDecision(t *testing.T) {
	sink := NewChannelSink(16)
	engine, env := newTestEngine(t, testConfig(), func(b *Builder, _ *testEnv) {
		b.WithAuditSink(sink)
	})
	ctx := context.Background()

	env.assignments.put(testUserID)
	seedRequest(env, "req-1", testUserID, "editor")

	if err := engine.ApprovePermission(ctx, "req-1", "admin-1"); err != nil {
		t.Fatalf("ApprovePermission failed: %v", err)
	}

	select {
	case event := <-sink.Events():
		if event.EventType != AuditPermissionGranted {
			t.Fatalf("unexpected event type %q", event.EventType)
		}
		if event.Metadata["approved_by"] != "admin-1" {
			t.Fatalf("unexpected metadata: %v", event.Metadata)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audit event arrived")
	}
}
