package authgate

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Audit event types emitted by the engine.
const (
	AuditLoginSuccess           = "login.success"
	AuditLoginFailed            = "login.failed"
	AuditAccountLocked          = "login.account_locked"
	AuditMFAChallengeIssued     = "mfa.challenge_issued"
	AuditMFACodeResent          = "mfa.code_resent"
	AuditMFAVerified            = "mfa.verified"
	AuditMFAFailed              = "mfa.failed"
	AuditMFAAttemptsExceeded    = "mfa.attempts_exceeded"
	AuditBackupCodeUsed         = "mfa.backup_code_used"
	AuditBackupCodesRegenerated = "mfa.backup_codes_regenerated"
	AuditDeviceTrusted          = "device.trusted"
	AuditDeviceTrustRevoked     = "device.trust_revoked"
	AuditRefreshRotated         = "refresh.rotated"
	AuditTokenReuseDetected     = "refresh.reuse_detected"
	AuditLogout                 = "session.logout"
	AuditFamilyRevoked          = "session.family_revoked"
	AuditPermissionGranted      = "permission.granted"
	AuditPermissionRejected     = "permission.rejected"
)

// AuditEvent is one structured security event.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	FamilyID  string            `json:"family_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives events from the engine's dispatcher. Implementations
// must tolerate concurrent calls.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink discards every event.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink forwards events to a buffered channel for in-process
// consumers, mainly tests.
type ChannelSink struct {
	events chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line to the wrapped writer.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
