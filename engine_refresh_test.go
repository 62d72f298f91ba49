package authgate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func loginTokens(t *testing.T, engine *Engine, opts LoginOptions) *LoginResult {
	t.Helper()
	result, err := engine.Login(context.Background(), testIdentifier, testPassword, opts)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if result.MFARequired {
		t.Fatal("unexpected MFA challenge")
	}
	return result
}

func TestRefresh_RotatesChain(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	first := loginTokens(t, engine, LoginOptions{})

	second, err := engine.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("first refresh failed: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("rotation must mint a new refresh token")
	}

	third, err := engine.Refresh(ctx, second.RefreshToken)
	if err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}
	if third.UserID != testUserID {
		t.Fatalf("unexpected user %q", third.UserID)
	}
}

func TestRefresh_ReuseRevokesFamily(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	first := loginTokens(t, engine, LoginOptions{})
	second, err := engine.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	// Presenting the rotated token again is reuse.
	if _, err := engine.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrTokenReuseDetected) {
		t.Fatalf("expected ErrTokenReuseDetected, got %v", err)
	}

	// The whole family fell with it, current token included.
	if _, err := engine.Refresh(ctx, second.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken after family revocation, got %v", err)
	}
}

func TestRefresh_UnknownToken(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig(), nil)

	_, err := engine.Refresh(context.Background(), "not-a-token")
	if !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken, got %v", err)
	}
}

func TestRefresh_Expired(t *testing.T) {
	cfg := testConfig()
	engine, env := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	first := loginTokens(t, engine, LoginOptions{})
	env.clock.Advance(cfg.Refresh.TTL + time.Hour)

	_, err := engine.Refresh(ctx, first.RefreshToken)
	if !errors.Is(err, ErrRefreshTokenExpired) {
		t.Fatalf("expected ErrRefreshTokenExpired, got %v", err)
	}
}

func TestRefresh_RememberMeExtendsFamily(t *testing.T) {
	cfg := testConfig()
	engine, env := newTestEngine(t, cfg, nil)
	ctx := context.Background()

	first := loginTokens(t, engine, LoginOptions{RememberMe: true})
	env.clock.Advance(cfg.Refresh.TTL + time.Hour)

	// Past the standard TTL but inside the remember-me window.
	second, err := engine.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("remember-me refresh failed: %v", err)
	}

	// The policy is inherited by the rotated child.
	env.clock.Advance(cfg.Refresh.TTL + time.Hour)
	if _, err := engine.Refresh(ctx, second.RefreshToken); err != nil {
		t.Fatalf("inherited remember-me refresh failed: %v", err)
	}
}

func TestRefresh_ConcurrentSingleWinner(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	first := loginTokens(t, engine, LoginOptions{})

	const workers = 16
	var (
		wg       sync.WaitGroup
		rotated  atomic.Int64
		reused   atomic.Int64
		invalid  atomic.Int64
		start    = make(chan struct{})
		failures = make(chan error, workers)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := engine.Refresh(ctx, first.RefreshToken)
			switch {
			case err == nil:
				rotated.Add(1)
			case errors.Is(err, ErrTokenReuseDetected):
				reused.Add(1)
			case errors.Is(err, ErrInvalidRefreshToken):
				invalid.Add(1)
			default:
				failures <- err
			}
		}()
	}

	close(start)
	wg.Wait()
	close(failures)

	for err := range failures {
		t.Fatalf("unexpected refresh error: %v", err)
	}
	if got := rotated.Load(); got != 1 {
		t.Fatalf("expected exactly one rotation winner, got %d", got)
	}
	if got := reused.Load(); got != 1 {
		t.Fatalf("expected exactly one reuse detection, got %d", got)
	}
	if got := invalid.Load(); got != workers-2 {
		t.Fatalf("expected %d invalid results, got %d", workers-2, got)
	}
}

func TestLogout(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	first := loginTokens(t, engine, LoginOptions{})

	if err := engine.Logout(ctx, first.RefreshToken); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err := engine.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken after logout, got %v", err)
	}
	if err := engine.Logout(ctx, first.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("second logout: expected ErrInvalidRefreshToken, got %v", err)
	}
}

func TestLogoutFamily(t *testing.T) {
	engine, _ := newTestEngine(t, testConfig(), nil)
	ctx := context.Background()

	first := loginTokens(t, engine, LoginOptions{})
	second, err := engine.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	revoked, err := engine.LogoutFamily(ctx, second.RefreshToken)
	if err != nil {
		t.Fatalf("LogoutFamily failed: %v", err)
	}
	if revoked < 1 {
		t.Fatalf("expected at least one revoked row, got %d", revoked)
	}

	if _, err := engine.Refresh(ctx, second.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken after family logout, got %v", err)
	}
}

func TestValidateAccess_Expiry(t *testing.T) {
	cfg := testConfig()
	engine, env := newTestEngine(t, cfg, nil)

	first := loginTokens(t, engine, LoginOptions{})

	uid, fid, _, err := engine.ValidateAccess(first.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccess failed: %v", err)
	}
	if uid != testUserID || fid == "" {
		t.Fatalf("unexpected claims: uid=%q fid=%q", uid, fid)
	}

	env.clock.Advance(cfg.JWT.AccessTTL + time.Minute)
	if _, _, _, err := engine.ValidateAccess(first.AccessToken); err == nil {
		t.Fatal("expected an error for an expired access token")
	}
}
