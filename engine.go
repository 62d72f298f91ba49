package authgate

import (
	"context"
	"time"

	"github.com/finchsec/authgate/device"
	"github.com/finchsec/authgate/jwt"
	"github.com/finchsec/authgate/mfa"
	"github.com/finchsec/authgate/password"
	"github.com/finchsec/authgate/permission"
	"github.com/finchsec/authgate/refresh"
)

// Engine is the authentication session engine. Construct it through
// [Builder]; all fields are fixed at Build and every method is safe for
// concurrent use.
type Engine struct {
	config Config

	credentials CredentialStore
	requests    PermissionRequestStore
	assignments RoleAssignmentStore
	roles       *permission.Registry

	refreshStore *refresh.Store
	challenges   *mfa.Store
	backupCodes  *mfa.BackupStore
	devices      *device.Store

	hasher *password.Hasher
	tokens *jwt.Manager
	totp   *totpManager

	breach BreachChecker
	sender CodeSender

	metrics *Metrics
	audit   *auditDispatcher
	sweeper *sweeper
	clock   Clock

	// dummyHash absorbs a password verification when the identifier is
	// unknown, so lookup misses and hash mismatches take similar time.
	dummyHash string
}

func (e *Engine) now() time.Time {
	return e.clock()
}

// MetricsSnapshot returns a copy of every engine counter.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}
	return e.metrics.Snapshot()
}

// AuditDropped returns how many audit events were shed under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil {
		return 0
	}
	return e.audit.Dropped()
}

// Close stops the background sweep and drains the audit dispatcher. The
// engine must not be used after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.sweeper.Stop()
	e.audit.Close()
}

// emitAudit queues one event. metadata is a closure so the map is only
// built when auditing is enabled. The dispatcher stamps the timestamp.
func (e *Engine) emitAudit(ctx context.Context, eventType, userID string, success bool, callErr error, metadata func() map[string]string) {
	if e.audit == nil {
		return
	}

	event := AuditEvent{
		EventType: eventType,
		UserID:    userID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
	}
	if callErr != nil {
		event.Error = callErr.Error()
	}
	if metadata != nil {
		event.Metadata = metadata()
	}

	e.audit.Emit(ctx, event)
}
