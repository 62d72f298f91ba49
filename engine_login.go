package authgate

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/finchsec/authgate/internal"
	"github.com/finchsec/authgate/mfa"
	"github.com/finchsec/authgate/refresh"
)

// Login verifies the credential pair and either issues a token pair or
// opens an MFA challenge. Unknown identifiers and wrong passwords are
// indistinguishable to the caller.
func (e *Engine) Login(ctx context.Context, identifier, password string, opts LoginOptions) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if identifier == "" || password == "" {
		e.metrics.Inc(MetricLoginFailure)
		return nil, ErrInvalidCredentials
	}

	cred, err := e.credentials.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Burn a verification against a filler hash so a lookup miss
			// costs the same as a password mismatch.
			_, _ = e.hasher.Verify(password, e.dummyHash)
			e.metrics.Inc(MetricLoginFailure)
			e.emitAudit(ctx, AuditLoginFailed, "", false, ErrInvalidCredentials, func() map[string]string {
				return map[string]string{"reason": "unknown_identifier"}
			})
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	now := e.now()

	if cred.Status != CredentialActive {
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, AuditLoginFailed, cred.UserID, false, ErrAccountInactive, nil)
		return nil, ErrAccountInactive
	}

	lockCleared := false
	if !cred.LockedUntil.IsZero() {
		if now.Before(cred.LockedUntil) {
			// Password is not checked while locked, correct or not.
			e.metrics.Inc(MetricLoginFailure)
			e.emitAudit(ctx, AuditLoginFailed, cred.UserID, false, ErrAccountLocked, nil)
			return nil, ErrAccountLocked
		}
		cred.LockedUntil = time.Time{}
		cred.FailedAttemptCount = 0
		lockCleared = true
	}

	ok, err := e.hasher.Verify(password, cred.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return nil, e.recordPasswordFailure(ctx, cred)
	}

	if cred.FailedAttemptCount != 0 || lockCleared {
		cred.FailedAttemptCount = 0
		if err := e.credentials.Save(ctx, cred); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	if err := e.checkBreach(ctx, cred.UserID, password); err != nil {
		return nil, err
	}

	if cred.MFAEnabled {
		if userID, bypass := e.deviceBypass(ctx, cred, opts); bypass {
			result, err := e.issueTokens(ctx, userID, opts.RememberMe)
			if err != nil {
				return nil, err
			}
			e.metrics.Inc(MetricDeviceTrustBypass)
			e.metrics.Inc(MetricLoginSuccess)
			e.emitAudit(ctx, AuditLoginSuccess, userID, true, nil, func() map[string]string {
				return map[string]string{"mfa": "device_bypass"}
			})
			return result, nil
		}
		return e.issueChallenge(ctx, cred, opts)
	}

	result, err := e.issueTokens(ctx, cred.UserID, opts.RememberMe)
	if err != nil {
		return nil, err
	}
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditLoginSuccess, cred.UserID, true, nil, nil)
	return result, nil
}

// recordPasswordFailure advances the lockout counter and persists the
// credential. Crossing the threshold arms the lockout window and resets the
// counter so the next window starts clean. The arming failure still reads
// as a plain credential mismatch; only attempts inside the armed window
// surface the lockout.
func (e *Engine) recordPasswordFailure(ctx context.Context, cred *Credential) error {
	cred.FailedAttemptCount++

	locked := cred.FailedAttemptCount >= e.config.Credential.LockoutThreshold
	if locked {
		cred.LockedUntil = e.now().Add(e.config.Credential.LockoutDuration)
		cred.FailedAttemptCount = 0
	}

	if err := e.credentials.Save(ctx, cred); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricLoginFailure)
	if locked {
		e.metrics.Inc(MetricAccountLocked)
		e.emitAudit(ctx, AuditAccountLocked, cred.UserID, false, ErrAccountLocked, func() map[string]string {
			return map[string]string{"locked_until": cred.LockedUntil.UTC().Format(time.RFC3339)}
		})
		return ErrInvalidCredentials
	}

	e.emitAudit(ctx, AuditLoginFailed, cred.UserID, false, ErrInvalidCredentials, func() map[string]string {
		return map[string]string{"failed_attempts": strconv.Itoa(cred.FailedAttemptCount)}
	})
	return ErrInvalidCredentials
}

func (e *Engine) checkBreach(ctx context.Context, userID, password string) error {
	if e.breach == nil {
		return nil
	}

	breached, err := e.breach.IsBreached(ctx, password)
	if err != nil {
		if e.config.Credential.BreachCheckMandatory {
			return fmt.Errorf("%w: breach check: %v", ErrStoreUnavailable, err)
		}
		// Advisory mode: an unreachable checker never blocks a login.
		return nil
	}
	if breached {
		e.metrics.Inc(MetricLoginFailure)
		e.emitAudit(ctx, AuditLoginFailed, userID, false, ErrBreachedPassword, nil)
		return ErrBreachedPassword
	}
	return nil
}

// deviceBypass reports whether the presented device token names a live trust
// grant for this credential. Any failure degrades to the challenge flow.
func (e *Engine) deviceBypass(ctx context.Context, cred *Credential, opts LoginOptions) (string, bool) {
	if opts.DeviceToken == "" || opts.DeviceFingerprint == "" {
		return "", false
	}

	tokenHash := internal.HashToken(opts.DeviceToken)
	fpHash := internal.HashFingerprint(opts.DeviceFingerprint)

	userID, ok, err := e.devices.CheckTrust(ctx, hex.EncodeToString(tokenHash[:]), hex.EncodeToString(fpHash[:]))
	if err != nil || !ok || userID != cred.UserID {
		return "", false
	}
	return userID, true
}

// issueChallenge opens an MFA challenge, hands the code to the sender, and
// returns the opaque challenge token.
func (e *Engine) issueChallenge(ctx context.Context, cred *Credential, opts LoginOptions) (*LoginResult, error) {
	if e.sender == nil {
		return nil, errors.New("code sender not configured")
	}

	code, err := internal.NewOTP(e.config.MFA.CodeDigits)
	if err != nil {
		return nil, err
	}
	token, tokenHash, err := internal.NewToken()
	if err != nil {
		return nil, err
	}

	now := e.now()
	codeHash := internal.ChallengeCodeHash(cred.UserID, code)
	challenge := &mfa.Challenge{
		UserID:       cred.UserID,
		CodeHashHex:  hex.EncodeToString(codeHash[:]),
		CreatedAt:    now.Unix(),
		ExpiresAt:    now.Add(e.config.MFA.CodeTTL).Unix(),
		LastResendAt: now.Unix(),
		RememberMe:   opts.RememberMe,
	}
	if err := e.challenges.Save(ctx, hex.EncodeToString(tokenHash[:]), challenge); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := e.sender.SendCode(ctx, cred.UserID, code); err != nil {
		_, _ = e.challenges.Delete(ctx, hex.EncodeToString(tokenHash[:]))
		return nil, fmt.Errorf("send challenge code: %w", err)
	}

	e.metrics.Inc(MetricMFAChallengeIssued)
	e.emitAudit(ctx, AuditMFAChallengeIssued, cred.UserID, true, nil, nil)

	return &LoginResult{
		MFARequired:    true,
		ChallengeToken: token,
		UserID:         cred.UserID,
	}, nil
}

// issueTokens starts a new refresh-token family and mints the access token
// bound to it.
func (e *Engine) issueTokens(ctx context.Context, userID string, rememberMe bool) (*LoginResult, error) {
	refreshToken, tokenHash, err := internal.NewToken()
	if err != nil {
		return nil, err
	}

	ttl := e.config.Refresh.TTL
	if rememberMe {
		ttl = e.config.Refresh.RememberMeTTL
	}

	now := e.now()
	familyID := uuid.NewString()
	rec := &refresh.Record{
		TokenHashHex: hex.EncodeToString(tokenHash[:]),
		FamilyID:     familyID,
		UserID:       userID,
		IssuedAt:     now.Unix(),
		ExpiresAt:    now.Add(ttl).Unix(),
		RememberMe:   rememberMe,
		ClientIP:     clientIPFromContext(ctx),
	}
	if err := e.refreshStore.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	access, expiresAt, err := e.tokens.CreateAccess(userID, familyID)
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		UserID:       userID,
		AccessToken:  access,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}, nil
}
