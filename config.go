package authgate

import (
	"errors"
	"time"
)

// Config defines every tunable of the engine. It is supplied once through
// [Builder.WithConfig] and treated as immutable after Build; no component
// reads ambient or global configuration state.
type Config struct {
	Credential    CredentialConfig
	MFA           MFAConfig
	TOTP          TOTPConfig
	TrustedDevice TrustedDeviceConfig
	JWT           JWTConfig
	Refresh       RefreshConfig
	Permission    PermissionConfig
	Audit         AuditConfig
	Sweep         SweepConfig
}

// CredentialConfig controls password verification and account lockout.
type CredentialConfig struct {
	// LockoutThreshold is the number of consecutive failed password checks
	// that sets lockedUntil and resets the counter.
	LockoutThreshold int
	// LockoutDuration is how long a triggered lockout suspends password
	// checking for the credential.
	LockoutDuration time.Duration
	// BreachCheckMandatory makes a breach-checker outage fail the login
	// instead of degrading to an advisory skip.
	BreachCheckMandatory bool

	// Argon2 password hashing parameters.
	HashMemoryKB    uint32
	HashTime        uint32
	HashParallelism uint8
	HashSaltLength  uint32
	HashKeyLength   uint32
}

// MFAConfig controls the challenge-code flow of a login attempt.
type MFAConfig struct {
	CodeTTL        time.Duration
	CodeDigits     int
	MaxAttempts    int
	ResendCooldown time.Duration

	BackupCodeCount  int
	BackupCodeLength int
}

// TOTPConfig controls authenticator-app verification.
type TOTPConfig struct {
	Issuer    string
	Period    int
	Digits    int
	Skew      int // time steps accepted on either side of now
	Algorithm string
}

// TrustedDeviceConfig controls the MFA-bypass trust window.
type TrustedDeviceConfig struct {
	TrustWindow time.Duration
}

// JWTConfig controls access-token signing.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
}

// RefreshConfig controls refresh-token family lifetimes.
type RefreshConfig struct {
	// TTL applies to families started without remember-me.
	TTL time.Duration
	// RememberMeTTL applies to families started with remember-me. The policy
	// is fixed at family creation and inherited by every rotated child.
	RememberMeTTL time.Duration
	// Retention keeps used and revoked rows queryable after they become
	// inert, so reuse of an old token is still detected. The sweep purges
	// rows once expiry plus retention has passed.
	Retention time.Duration
}

// PermissionConfig controls the approval engine.
type PermissionConfig struct {
	// MaxGrantRetries bounds re-reads after an assignment version conflict.
	MaxGrantRetries int
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events instead of blocking the auth call when the
	// buffer is full; drops are counted and visible via Engine.AuditDropped.
	DropIfFull bool
}

// SweepConfig controls the background purge of expired challenge, device,
// and refresh-token rows. The sweep is cleanup only and safe to disable.
type SweepConfig struct {
	Enabled bool
	// Schedule is a cron expression; defaults to "@hourly".
	Schedule string
}

func defaultConfig() Config {
	return Config{
		Credential: CredentialConfig{
			LockoutThreshold: 5,
			LockoutDuration:  15 * time.Minute,
			HashMemoryKB:     64 * 1024,
			HashTime:         3,
			HashParallelism:  2,
			HashSaltLength:   16,
			HashKeyLength:    32,
		},
		MFA: MFAConfig{
			CodeTTL:          5 * time.Minute,
			CodeDigits:       6,
			MaxAttempts:      5,
			ResendCooldown:   time.Minute,
			BackupCodeCount:  10,
			BackupCodeLength: 10,
		},
		TOTP: TOTPConfig{
			Issuer:    "authgate",
			Period:    30,
			Digits:    6,
			Skew:      1,
			Algorithm: "SHA1",
		},
		TrustedDevice: TrustedDeviceConfig{
			TrustWindow: 30 * 24 * time.Hour,
		},
		JWT: JWTConfig{
			AccessTTL:     10 * time.Minute,
			SigningMethod: "ed25519",
		},
		Refresh: RefreshConfig{
			TTL:           7 * 24 * time.Hour,
			RememberMeTTL: 30 * 24 * time.Hour,
			Retention:     24 * time.Hour,
		},
		Permission: PermissionConfig{
			MaxGrantRetries: 3,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Sweep: SweepConfig{
			Enabled:  true,
			Schedule: "@hourly",
		},
	}
}

func validateConfig(cfg Config) error {
	if cfg.Credential.LockoutThreshold <= 0 {
		return errors.New("lockout threshold must be positive")
	}
	if cfg.Credential.LockoutDuration <= 0 {
		return errors.New("lockout duration must be positive")
	}
	if cfg.MFA.CodeTTL <= 0 {
		return errors.New("mfa code ttl must be positive")
	}
	if cfg.MFA.CodeDigits < 6 || cfg.MFA.CodeDigits > 10 {
		return errors.New("mfa code digits must be between 6 and 10")
	}
	if cfg.MFA.MaxAttempts <= 0 {
		return errors.New("mfa max attempts must be positive")
	}
	if cfg.MFA.ResendCooldown < 0 {
		return errors.New("mfa resend cooldown must not be negative")
	}
	if cfg.MFA.BackupCodeCount <= 0 || cfg.MFA.BackupCodeLength < 8 {
		return errors.New("invalid backup code configuration")
	}
	if cfg.TOTP.Period <= 0 || cfg.TOTP.Digits < 6 || cfg.TOTP.Skew < 0 {
		return errors.New("invalid totp configuration")
	}
	if cfg.TrustedDevice.TrustWindow <= 0 {
		return errors.New("trusted device window must be positive")
	}
	if cfg.JWT.AccessTTL <= 0 {
		return errors.New("access token ttl must be positive")
	}
	if cfg.Refresh.TTL <= 0 || cfg.Refresh.RememberMeTTL < cfg.Refresh.TTL {
		return errors.New("invalid refresh ttl configuration")
	}
	if cfg.Refresh.Retention < 0 {
		return errors.New("refresh retention must not be negative")
	}
	if cfg.Permission.MaxGrantRetries <= 0 {
		return errors.New("permission grant retries must be positive")
	}
	return nil
}
