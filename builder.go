package authgate

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/finchsec/authgate/device"
	"github.com/finchsec/authgate/jwt"
	"github.com/finchsec/authgate/mfa"
	"github.com/finchsec/authgate/password"
	"github.com/finchsec/authgate/permission"
	"github.com/finchsec/authgate/refresh"
)

// keyPrefix namespaces every Redis key written by the engine's stores.
const keyPrefix = "authgate"

// Builder assembles an [Engine]. Collaborator stores are supplied by the
// caller; the Redis-backed stores are built internally from the client
// passed to WithRedis.
type Builder struct {
	cfg    Config
	cfgSet bool

	redis       redis.UniversalClient
	credentials CredentialStore
	requests    PermissionRequestStore
	assignments RoleAssignmentStore
	roleNames   []string

	sink   AuditSink
	breach BreachChecker
	sender CodeSender
	clock  Clock

	metricsEnabled bool

	err error
}

// New starts a Builder with metrics enabled and the default configuration.
func New() *Builder {
	return &Builder{metricsEnabled: true}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	b.cfgSet = true
	return b
}

// WithRedis supplies the client backing the refresh, challenge, backup-code,
// and trusted-device stores.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithCredentialStore(store CredentialStore) *Builder {
	b.credentials = store
	return b
}

// WithPermissionStores supplies the pending-request store and the versioned
// role-assignment store the approval engine operates on.
func (b *Builder) WithPermissionStores(requests PermissionRequestStore, assignments RoleAssignmentStore) *Builder {
	b.requests = requests
	b.assignments = assignments
	return b
}

// WithRoles registers the role names the approval engine may grant.
func (b *Builder) WithRoles(names ...string) *Builder {
	b.roleNames = append(b.roleNames, names...)
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.sink = sink
	return b
}

func (b *Builder) WithBreachChecker(checker BreachChecker) *Builder {
	b.breach = checker
	return b
}

// WithCodeSender supplies the outbound hand-off for MFA challenge codes.
// Required only when MFA-enabled users log in.
func (b *Builder) WithCodeSender(sender CodeSender) *Builder {
	b.sender = sender
	return b
}

// WithClock overrides the time source for the engine and every store.
func (b *Builder) WithClock(clock Clock) *Builder {
	b.clock = clock
	return b
}

func (b *Builder) WithMetrics(enabled bool) *Builder {
	b.metricsEnabled = enabled
	return b
}

// Build validates the configuration and wiring and returns a ready Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.err != nil {
		return nil, b.err
	}

	cfg := b.cfg
	if !b.cfgSet {
		cfg = defaultConfig()
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if b.credentials == nil {
		return nil, errors.New("credential store is required")
	}

	clock := b.clock
	if clock == nil {
		clock = time.Now
	}

	hasher, err := password.NewHasher(password.Config{
		MemoryKB:    cfg.Credential.HashMemoryKB,
		Time:        cfg.Credential.HashTime,
		Parallelism: cfg.Credential.HashParallelism,
		SaltLength:  cfg.Credential.HashSaltLength,
		KeyLength:   cfg.Credential.HashKeyLength,
	})
	if err != nil {
		return nil, err
	}

	dummyHash, err := hasher.Hash("authgate-absent-credential-filler")
	if err != nil {
		return nil, err
	}

	tokens, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cfg.JWT.PrivateKey,
		PublicKey:     cfg.JWT.PublicKey,
		Issuer:        cfg.JWT.Issuer,
		Leeway:        cfg.JWT.Leeway,
	}, clock)
	if err != nil {
		return nil, fmt.Errorf("jwt config: %w", err)
	}

	roles := permission.NewRegistry()
	for _, name := range b.roleNames {
		if err := roles.Register(name); err != nil {
			return nil, fmt.Errorf("role %q: %w", name, err)
		}
	}
	roles.Freeze()

	metrics := NewMetrics(b.metricsEnabled)

	e := &Engine{
		config:      cfg,
		credentials: b.credentials,
		requests:    b.requests,
		assignments: b.assignments,
		roles:       roles,

		refreshStore: refresh.NewStore(b.redis, keyPrefix, cfg.Refresh.Retention, clock),
		challenges:   mfa.NewStore(b.redis, keyPrefix, clock),
		backupCodes:  mfa.NewBackupStore(b.redis, keyPrefix, clock),
		devices:      device.NewStore(b.redis, keyPrefix, clock),

		hasher: hasher,
		tokens: tokens,
		totp:   newTOTPManager(cfg.TOTP),

		breach: b.breach,
		sender: b.sender,

		metrics:   metrics,
		audit:     newAuditDispatcher(cfg.Audit, b.sink, metrics, clock),
		clock:     clock,
		dummyHash: dummyHash,
	}

	if cfg.Sweep.Enabled {
		sw, err := newSweeper(cfg.Sweep.Schedule, e.sweep)
		if err != nil {
			e.audit.Close()
			return nil, fmt.Errorf("sweep schedule: %w", err)
		}
		e.sweeper = sw
	}

	return e, nil
}
