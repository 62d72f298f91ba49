package authgate

import (
	"context"
	"errors"
	"fmt"
)

// TOTPSetup is the enrollment material for an authenticator app. The secret
// is returned exactly once; the engine keeps only the raw bytes on the
// credential record.
type TOTPSetup struct {
	SecretBase32 string
	ProvisionURI string
}

// GenerateTOTPSetup mints a fresh authenticator secret for the user and
// persists it on the credential. Any previously enrolled secret is replaced
// and its replay counter reset.
func (e *Engine) GenerateTOTPSetup(ctx context.Context, userID string) (*TOTPSetup, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}

	cred, err := e.credentials.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	raw, secretBase32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}

	cred.TOTPSecret = raw
	cred.TOTPLastUsedCounter = 0
	if err := e.credentials.Save(ctx, cred); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return &TOTPSetup{
		SecretBase32: secretBase32,
		ProvisionURI: e.totp.ProvisionURI(secretBase32, cred.Identifier),
	}, nil
}
