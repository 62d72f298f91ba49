package authgate

import (
	"context"
	"time"
)

// Clock supplies current time to the engine and every store it builds.
// Injectable through [Builder.WithClock] so expiry behavior is testable.
type Clock func() time.Time

// CredentialStatus is the lifecycle state of a credential's account.
type CredentialStatus uint8

const (
	// CredentialActive allows authentication.
	CredentialActive CredentialStatus = iota
	// CredentialInactive rejects authentication with ErrAccountInactive.
	CredentialInactive
)

// Credential is the per-user authentication record persisted by the caller's
// database behind [CredentialStore]. The engine mutates the failure counter
// and lockout timestamp on every password check.
type Credential struct {
	UserID             string
	Identifier         string
	PasswordHash       string
	Status             CredentialStatus
	FailedAttemptCount int
	// LockedUntil suspends password checking while in the future. Zero means
	// not locked.
	LockedUntil       time.Time
	PasswordChangedAt time.Time

	// MFA enrollment. MFAEnabled selects the challenge flow at login;
	// TOTPSecret is the enrolled authenticator secret (nil when absent).
	MFAEnabled          bool
	TOTPSecret          []byte
	TOTPLastUsedCounter int64
}

// CredentialStore is implemented by the caller over their user database.
// Identifier lookup must be case-insensitive over username and email.
// Unexpected failures should wrap [ErrStoreUnavailable].
type CredentialStore interface {
	GetByIdentifier(ctx context.Context, identifier string) (*Credential, error)
	GetByUserID(ctx context.Context, userID string) (*Credential, error)
	Save(ctx context.Context, credential *Credential) error
}

// PermissionRequest is a pending role-grant request. Its existence means
// "pending": approval and rejection both delete it outright.
type PermissionRequest struct {
	ID            string
	UserID        string
	RequestedRole string
	CreatedBy     string
	CreatedAt     time.Time
}

// PermissionRequestStore persists pending permission requests.
type PermissionRequestStore interface {
	Get(ctx context.Context, requestID string) (*PermissionRequest, error)
	// Delete removes the request; deleting an absent request is not an error.
	Delete(ctx context.Context, requestID string) error
}

// RoleAssignment is a versioned snapshot of one user's granted roles.
type RoleAssignment struct {
	UserID  string
	Roles   []string
	Version uint64
}

// RoleAssignmentStore persists role grants. Grant must compare the stored
// version against expectedVersion and return [ErrAssignmentConflict] when it
// moved, so the approval engine can re-read and retry; it must return
// [ErrUserNotFound] when the user record no longer exists.
type RoleAssignmentStore interface {
	GetAssignment(ctx context.Context, userID string) (*RoleAssignment, error)
	Grant(ctx context.Context, userID, role string, expectedVersion uint64) error
}

// BreachChecker is an optional collaborator consulted during login. It is a
// network boundary with its own timeout policy; a lookup error degrades to an
// advisory skip unless Config.Credential.BreachCheckMandatory is set.
type BreachChecker interface {
	IsBreached(ctx context.Context, password string) (bool, error)
}

// CodeSender hands a freshly generated MFA challenge code to the outbound
// delivery pipeline (mail queue, SMS gateway). Delivery itself is out of
// scope; a hand-off error fails the challenge issue.
type CodeSender interface {
	SendCode(ctx context.Context, userID, code string) error
}

// MFAMethod selects how an MFA challenge is completed.
type MFAMethod string

const (
	// MFAMethodCode verifies the delivered one-time challenge code.
	MFAMethodCode MFAMethod = "code"
	// MFAMethodTOTP verifies an authenticator-app code. It completes the
	// challenge but never consumes its code-attempt budget.
	MFAMethodTOTP MFAMethod = "totp"
	// MFAMethodBackup consumes a single-use backup code.
	MFAMethodBackup MFAMethod = "backup"
)

// LoginOptions carries per-call login inputs beyond the credential pair.
type LoginOptions struct {
	// DeviceToken and DeviceFingerprint enable the trusted-device MFA bypass.
	DeviceToken       string
	DeviceFingerprint string
	// RememberMe extends the refresh-token family TTL.
	RememberMe bool
}

// VerifyOptions carries per-call MFA verification inputs.
type VerifyOptions struct {
	// Method defaults to MFAMethodCode.
	Method MFAMethod
	// TrustDevice mints a device-trust token on success, bound to
	// DeviceFingerprint.
	TrustDevice       bool
	DeviceFingerprint string
	RememberMe        bool
}

// LoginResult is the discriminated outcome of Login and VerifyMFA. Exactly
// one of the two shapes is populated: a pending MFA challenge
// (MFARequired + ChallengeToken) or an issued token pair.
type LoginResult struct {
	MFARequired    bool
	ChallengeToken string

	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time

	// DeviceToken is set when VerifyOptions.TrustDevice requested device
	// trust; it is returned exactly once and stored only as a hash.
	DeviceToken string
}
