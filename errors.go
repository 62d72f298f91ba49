package authgate

import "errors"

var (
	// ErrInvalidCredentials is returned for any credential failure that must
	// stay indistinguishable to the caller: unknown identifier, wrong
	// password, or empty input.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrAccountLocked is returned while a credential's lockout window is active.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountInactive is returned when the credential exists but the
	// account is not allowed to authenticate.
	ErrAccountInactive = errors.New("account inactive")
	// ErrBreachedPassword is returned when the configured breach checker
	// reports the password as compromised.
	ErrBreachedPassword = errors.New("breached password")
	// ErrMFARequired signals that password verification succeeded and the
	// caller must complete an MFA challenge before tokens are issued.
	ErrMFARequired = errors.New("mfa required")
	// ErrInvalidChallenge is returned when no challenge matches the presented
	// challenge token.
	ErrInvalidChallenge = errors.New("mfa challenge invalid")
	// ErrChallengeExpired is returned when the challenge exists but its TTL
	// has elapsed; the challenge is deleted as a side effect.
	ErrChallengeExpired = errors.New("mfa challenge expired")
	// ErrInvalidCode is returned on a code mismatch while attempts remain.
	ErrInvalidCode = errors.New("invalid mfa code")
	// ErrAttemptsExceeded is returned once a challenge has absorbed its
	// attempt budget; the challenge is deleted and the code is never checked
	// again.
	ErrAttemptsExceeded = errors.New("mfa attempts exceeded")
	// ErrResendCooldown is returned when a resend is requested before the
	// cooldown window since the previous send has elapsed.
	ErrResendCooldown = errors.New("mfa resend cooldown active")
	// ErrTOTPNotEnrolled is returned when a TOTP verify is attempted for a
	// user without an enrolled authenticator secret.
	ErrTOTPNotEnrolled = errors.New("totp not enrolled")
	// ErrBackupCodesNotConfigured is returned when a backup-code verify is
	// attempted for a user with no generated codes.
	ErrBackupCodesNotConfigured = errors.New("backup codes not configured")
	// ErrInvalidBackupCode is returned when the submitted backup code does
	// not match an unused code for the user.
	ErrInvalidBackupCode = errors.New("invalid backup code")
	// ErrInvalidRefreshToken is returned when the presented refresh token is
	// unknown or revoked.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	// ErrRefreshTokenExpired is returned when the presented refresh token
	// exists but is past its expiry.
	ErrRefreshTokenExpired = errors.New("refresh token expired")
	// ErrTokenReuseDetected is returned when an already-rotated refresh token
	// is presented again; the entire family is revoked as a side effect.
	ErrTokenReuseDetected = errors.New("refresh token reuse detected")
	// ErrInvalidDeviceToken is returned when a trusted-device token is
	// unknown, expired, or bound to a different fingerprint.
	ErrInvalidDeviceToken = errors.New("invalid device token")
	// ErrRequestNotFound is returned when a permission request id does not
	// resolve to a pending request.
	ErrRequestNotFound = errors.New("permission request not found")
	// ErrUserNotFound is returned when the target of a permission request no
	// longer exists; the request stays pending.
	ErrUserNotFound = errors.New("user not found")
	// ErrRoleGrantFailed is returned when a role grant could not be applied,
	// including when the bounded conflict retry budget is exhausted.
	ErrRoleGrantFailed = errors.New("role grant failed")
	// ErrRoleUnknown is returned when a permission request names a role that
	// was not registered at build time.
	ErrRoleUnknown = errors.New("unknown role")
	// ErrAssignmentConflict is returned by RoleAssignmentStore
	// implementations when the assignment version moved between read and
	// write; the approval engine retries a bounded number of times.
	ErrAssignmentConflict = errors.New("role assignment version conflict")
	// ErrStoreUnavailable wraps unexpected infrastructure failures from any
	// backing store. It is fatal to the call and never retried by the core.
	ErrStoreUnavailable = errors.New("backing store unavailable")
	// ErrEngineNotReady is returned when an Engine method is called on a
	// partially constructed engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)
