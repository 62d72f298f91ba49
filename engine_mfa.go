package authgate

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/finchsec/authgate/internal"
	"github.com/finchsec/authgate/mfa"
)

// VerifyMFA completes a pending challenge with the delivered one-time code.
func (e *Engine) VerifyMFA(ctx context.Context, challengeToken, code string) (*LoginResult, error) {
	return e.VerifyMFAWithOptions(ctx, challengeToken, code, VerifyOptions{})
}

// VerifyMFAWithOptions completes a pending challenge using the selected
// method. The TOTP and backup-code paths complete the same challenge but
// never consume its code-attempt budget.
func (e *Engine) VerifyMFAWithOptions(ctx context.Context, challengeToken, code string, opts VerifyOptions) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if challengeToken == "" || code == "" {
		return nil, ErrInvalidChallenge
	}

	tokenHash := internal.HashToken(challengeToken)
	hashHex := hex.EncodeToString(tokenHash[:])

	challenge, err := e.loadChallenge(ctx, hashHex)
	if err != nil {
		return nil, err
	}

	method := opts.Method
	if method == "" {
		method = MFAMethodCode
	}

	switch method {
	case MFAMethodCode:
		return e.verifyChallengeCode(ctx, hashHex, challenge, code, opts)
	case MFAMethodTOTP:
		return e.verifyChallengeTOTP(ctx, hashHex, challenge, code, opts)
	case MFAMethodBackup:
		return e.verifyChallengeBackup(ctx, hashHex, challenge, code, opts)
	default:
		return nil, fmt.Errorf("unsupported mfa method %q", method)
	}
}

// ResendMFACode regenerates the challenge code and hands it to the sender.
// The attempt budget carries over; only the code and expiry change.
func (e *Engine) ResendMFACode(ctx context.Context, challengeToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if challengeToken == "" {
		return ErrInvalidChallenge
	}
	if e.sender == nil {
		return errors.New("code sender not configured")
	}

	tokenHash := internal.HashToken(challengeToken)
	hashHex := hex.EncodeToString(tokenHash[:])

	challenge, err := e.loadChallenge(ctx, hashHex)
	if err != nil {
		return err
	}

	now := e.now()
	if now.Unix() < challenge.LastResendAt+int64(e.config.MFA.ResendCooldown.Seconds()) {
		return ErrResendCooldown
	}

	code, err := internal.NewOTP(e.config.MFA.CodeDigits)
	if err != nil {
		return err
	}
	codeHash := internal.ChallengeCodeHash(challenge.UserID, code)

	err = e.challenges.UpdateCode(
		ctx,
		hashHex,
		hex.EncodeToString(codeHash[:]),
		now.Add(e.config.MFA.CodeTTL).Unix(),
		now.Unix(),
	)
	if err != nil {
		if errors.Is(err, mfa.ErrNotFound) {
			return ErrInvalidChallenge
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := e.sender.SendCode(ctx, challenge.UserID, code); err != nil {
		return fmt.Errorf("send challenge code: %w", err)
	}

	e.metrics.Inc(MetricMFAResend)
	e.emitAudit(ctx, AuditMFACodeResent, challenge.UserID, true, nil, nil)
	return nil
}

func (e *Engine) loadChallenge(ctx context.Context, hashHex string) (*mfa.Challenge, error) {
	challenge, err := e.challenges.Get(ctx, hashHex)
	if err != nil {
		switch {
		case errors.Is(err, mfa.ErrNotFound):
			return nil, ErrInvalidChallenge
		case errors.Is(err, mfa.ErrExpired):
			return nil, ErrChallengeExpired
		default:
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return challenge, nil
}

func (e *Engine) verifyChallengeCode(ctx context.Context, hashHex string, challenge *mfa.Challenge, code string, opts VerifyOptions) (*LoginResult, error) {
	// The attempt is charged before the code is looked at, so a crash or
	// cancellation between increment and compare still burns budget.
	attempts, err := e.challenges.IncrementAttempts(ctx, hashHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	max := int64(e.config.MFA.MaxAttempts)
	if attempts > max {
		_, _ = e.challenges.Delete(ctx, hashHex)
		e.metrics.Inc(MetricMFAAttemptsExceeded)
		e.emitAudit(ctx, AuditMFAAttemptsExceeded, challenge.UserID, false, ErrAttemptsExceeded, nil)
		return nil, ErrAttemptsExceeded
	}

	submitted := internal.ChallengeCodeHash(challenge.UserID, code)
	if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(submitted[:])), []byte(challenge.CodeHashHex)) != 1 {
		if attempts >= max {
			_, _ = e.challenges.Delete(ctx, hashHex)
			e.metrics.Inc(MetricMFAAttemptsExceeded)
			e.emitAudit(ctx, AuditMFAAttemptsExceeded, challenge.UserID, false, ErrAttemptsExceeded, nil)
			return nil, ErrAttemptsExceeded
		}
		e.metrics.Inc(MetricMFAFailure)
		e.emitAudit(ctx, AuditMFAFailed, challenge.UserID, false, ErrInvalidCode, nil)
		return nil, ErrInvalidCode
	}

	return e.completeChallenge(ctx, hashHex, challenge, opts, "code")
}

func (e *Engine) verifyChallengeTOTP(ctx context.Context, hashHex string, challenge *mfa.Challenge, code string, opts VerifyOptions) (*LoginResult, error) {
	cred, err := e.credentials.GetByUserID(ctx, challenge.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidChallenge
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(cred.TOTPSecret) == 0 {
		return nil, ErrTOTPNotEnrolled
	}

	ok, counter, err := e.totp.VerifyCode(cred.TOTPSecret, code, e.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		e.metrics.Inc(MetricTOTPFailure)
		e.emitAudit(ctx, AuditMFAFailed, challenge.UserID, false, ErrInvalidCode, func() map[string]string {
			return map[string]string{"method": "totp"}
		})
		return nil, ErrInvalidCode
	}
	if counter <= cred.TOTPLastUsedCounter {
		// A code from an already-consumed time step is a replay.
		e.metrics.Inc(MetricTOTPReplayRejected)
		e.emitAudit(ctx, AuditMFAFailed, challenge.UserID, false, ErrInvalidCode, func() map[string]string {
			return map[string]string{"method": "totp", "reason": "replay"}
		})
		return nil, ErrInvalidCode
	}

	cred.TOTPLastUsedCounter = counter
	if err := e.credentials.Save(ctx, cred); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricTOTPSuccess)
	return e.completeChallenge(ctx, hashHex, challenge, opts, "totp")
}

func (e *Engine) verifyChallengeBackup(ctx context.Context, hashHex string, challenge *mfa.Challenge, code string, opts VerifyOptions) (*LoginResult, error) {
	configured, err := e.backupCodes.Configured(ctx, challenge.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !configured {
		return nil, ErrBackupCodesNotConfigured
	}

	canonical := internal.CanonicalizeBackupCode(code)
	codeHash := internal.BackupCodeHash(challenge.UserID, canonical)

	consumed, err := e.backupCodes.Consume(ctx, challenge.UserID, hex.EncodeToString(codeHash[:]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !consumed {
		e.metrics.Inc(MetricBackupCodeFailed)
		e.emitAudit(ctx, AuditMFAFailed, challenge.UserID, false, ErrInvalidBackupCode, func() map[string]string {
			return map[string]string{"method": "backup"}
		})
		return nil, ErrInvalidBackupCode
	}

	e.metrics.Inc(MetricBackupCodeUsed)
	e.emitAudit(ctx, AuditBackupCodeUsed, challenge.UserID, true, nil, nil)
	return e.completeChallenge(ctx, hashHex, challenge, opts, "backup")
}

// completeChallenge deletes the challenge exactly once and issues the token
// pair. A concurrent verifier that already consumed the challenge wins; this
// caller sees ErrInvalidChallenge.
func (e *Engine) completeChallenge(ctx context.Context, hashHex string, challenge *mfa.Challenge, opts VerifyOptions, method string) (*LoginResult, error) {
	existed, err := e.challenges.Delete(ctx, hashHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !existed {
		return nil, ErrInvalidChallenge
	}

	rememberMe := challenge.RememberMe || opts.RememberMe
	result, err := e.issueTokens(ctx, challenge.UserID, rememberMe)
	if err != nil {
		return nil, err
	}

	if opts.TrustDevice && opts.DeviceFingerprint != "" {
		deviceToken, err := e.trustDevice(ctx, challenge.UserID, opts.DeviceFingerprint)
		if err != nil {
			return nil, err
		}
		result.DeviceToken = deviceToken
	}

	e.metrics.Inc(MetricMFAVerified)
	e.metrics.Inc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditMFAVerified, challenge.UserID, true, nil, func() map[string]string {
		return map[string]string{"method": method}
	})
	return result, nil
}
