package authgate

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/finchsec/authgate/internal"
)

// GenerateBackupCodes replaces the user's backup-code set and returns the
// formatted plaintext codes exactly once. Any unused codes from a previous
// set are invalidated.
func (e *Engine) GenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	if _, err := e.credentials.GetByUserID(ctx, userID); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	count := e.config.MFA.BackupCodeCount
	codes := make([]string, 0, count)
	hashes := make([]string, 0, count)

	for i := 0; i < count; i++ {
		code, err := internal.NewBackupCode(e.config.MFA.BackupCodeLength)
		if err != nil {
			return nil, err
		}
		hash := internal.BackupCodeHash(userID, code)
		codes = append(codes, internal.FormatBackupCode(code))
		hashes = append(hashes, hex.EncodeToString(hash[:]))
	}

	if err := e.backupCodes.Replace(ctx, userID, hashes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricBackupCodesRegenerated)
	e.emitAudit(ctx, AuditBackupCodesRegenerated, userID, true, nil, nil)
	return codes, nil
}

// RegenerateBackupCodes is GenerateBackupCodes under its lifecycle name;
// regeneration and first generation have identical semantics.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	return e.GenerateBackupCodes(ctx, userID)
}

// RemainingBackupCodes reports how many unused codes the user still holds.
func (e *Engine) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}

	remaining, err := e.backupCodes.Remaining(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return remaining, nil
}
