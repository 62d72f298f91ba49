package authgate

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/finchsec/authgate/device"
	"github.com/finchsec/authgate/internal"
)

// trustDevice mints a fresh device-trust token bound to the fingerprint and
// persists its hash. The plaintext is returned exactly once.
func (e *Engine) trustDevice(ctx context.Context, userID, fingerprint string) (string, error) {
	token, tokenHash, err := internal.NewToken()
	if err != nil {
		return "", err
	}
	fpHash := internal.HashFingerprint(fingerprint)

	now := e.now()
	rec := &device.Record{
		TokenHashHex:       hex.EncodeToString(tokenHash[:]),
		UserID:             userID,
		FingerprintHashHex: hex.EncodeToString(fpHash[:]),
		CreatedAt:          now.Unix(),
		ExpiresAt:          now.Add(e.config.TrustedDevice.TrustWindow).Unix(),
		LastUsedAt:         now.Unix(),
	}
	if err := e.devices.Save(ctx, rec); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricDeviceTrusted)
	e.emitAudit(ctx, AuditDeviceTrusted, userID, true, nil, nil)
	return token, nil
}

// RevokeTrustedDevice drops one trust grant by its plaintext token.
func (e *Engine) RevokeTrustedDevice(ctx context.Context, deviceToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if deviceToken == "" {
		return ErrInvalidDeviceToken
	}

	tokenHash := internal.HashToken(deviceToken)
	err := e.devices.Revoke(ctx, hex.EncodeToString(tokenHash[:]))
	if err != nil {
		if errors.Is(err, device.ErrNotFound) || errors.Is(err, device.ErrRecordCorrupt) {
			return ErrInvalidDeviceToken
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.emitAudit(ctx, AuditDeviceTrustRevoked, "", true, nil, nil)
	return nil
}

// RevokeUserDevices drops every trust grant belonging to the user, for use
// on password change or account compromise. Returns how many grants fell.
func (e *Engine) RevokeUserDevices(ctx context.Context, userID string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}

	revoked, err := e.devices.RevokeUser(ctx, userID)
	if err != nil {
		return revoked, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if revoked > 0 {
		e.emitAudit(ctx, AuditDeviceTrustRevoked, userID, true, nil, nil)
	}
	return revoked, nil
}
