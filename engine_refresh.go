package authgate

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/finchsec/authgate/internal"
	"github.com/finchsec/authgate/refresh"
)

// Refresh rotates the presented refresh token and mints a fresh access
// token. Presenting an already-rotated token revokes its entire family and
// returns ErrTokenReuseDetected.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if e == nil {
		return nil, ErrEngineNotReady
	}
	if refreshToken == "" {
		e.metrics.Inc(MetricRefreshFailure)
		return nil, ErrInvalidRefreshToken
	}

	parentHash := internal.HashToken(refreshToken)
	childToken, childHash, err := internal.NewToken()
	if err != nil {
		return nil, err
	}

	res, err := e.refreshStore.Rotate(
		ctx,
		hex.EncodeToString(parentHash[:]),
		hex.EncodeToString(childHash[:]),
		e.config.Refresh.TTL,
		e.config.Refresh.RememberMeTTL,
		clientIPFromContext(ctx),
	)
	if err != nil {
		if errors.Is(err, refresh.ErrRecordCorrupt) {
			e.metrics.Inc(MetricRefreshFailure)
			return nil, ErrInvalidRefreshToken
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	switch res.Status {
	case refresh.StatusNotFound, refresh.StatusRevoked:
		e.metrics.Inc(MetricRefreshFailure)
		return nil, ErrInvalidRefreshToken

	case refresh.StatusExpired:
		e.metrics.Inc(MetricRefreshFailure)
		return nil, ErrRefreshTokenExpired

	case refresh.StatusReuseDetected:
		e.metrics.Inc(MetricReuseDetected)
		e.emitAudit(ctx, AuditTokenReuseDetected, res.UserID, false, ErrTokenReuseDetected, func() map[string]string {
			return map[string]string{
				"family_id":      res.FamilyID,
				"revoked_tokens": strconv.Itoa(res.RevokedCount),
			}
		})
		return nil, ErrTokenReuseDetected

	case refresh.StatusRotated:
		access, expiresAt, err := e.tokens.CreateAccess(res.UserID, res.FamilyID)
		if err != nil {
			return nil, err
		}

		e.metrics.Inc(MetricRefreshSuccess)
		e.emitAudit(ctx, AuditRefreshRotated, res.UserID, true, nil, func() map[string]string {
			return map[string]string{"family_id": res.FamilyID}
		})
		return &LoginResult{
			UserID:       res.UserID,
			AccessToken:  access,
			RefreshToken: childToken,
			ExpiresAt:    expiresAt,
		}, nil

	default:
		return nil, fmt.Errorf("%w: unexpected rotate status", ErrStoreUnavailable)
	}
}

// Logout revokes the presented refresh token. Other tokens in its family,
// if any survived rotation retention, are untouched.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil {
		return ErrEngineNotReady
	}
	if refreshToken == "" {
		return ErrInvalidRefreshToken
	}

	tokenHash := internal.HashToken(refreshToken)
	hashHex := hex.EncodeToString(tokenHash[:])

	rec, err := e.refreshStore.GetByHash(ctx, hashHex)
	if err != nil {
		if errors.Is(err, refresh.ErrNotFound) || errors.Is(err, refresh.ErrRecordCorrupt) {
			return ErrInvalidRefreshToken
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	revoked, err := e.refreshStore.RevokeByHash(ctx, hashHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !revoked {
		return ErrInvalidRefreshToken
	}

	e.metrics.Inc(MetricLogout)
	e.emitAudit(ctx, AuditLogout, rec.UserID, true, nil, nil)
	return nil
}

// LogoutFamily revokes every live token in the presented token's family and
// returns how many rows were revoked.
func (e *Engine) LogoutFamily(ctx context.Context, refreshToken string) (int, error) {
	if e == nil {
		return 0, ErrEngineNotReady
	}
	if refreshToken == "" {
		return 0, ErrInvalidRefreshToken
	}

	tokenHash := internal.HashToken(refreshToken)
	rec, err := e.refreshStore.GetByHash(ctx, hex.EncodeToString(tokenHash[:]))
	if err != nil {
		if errors.Is(err, refresh.ErrNotFound) || errors.Is(err, refresh.ErrRecordCorrupt) {
			return 0, ErrInvalidRefreshToken
		}
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	revoked, err := e.refreshStore.RevokeFamily(ctx, rec.FamilyID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricFamilyRevoked)
	e.emitAudit(ctx, AuditFamilyRevoked, rec.UserID, true, nil, func() map[string]string {
		return map[string]string{
			"family_id":      rec.FamilyID,
			"revoked_tokens": strconv.Itoa(revoked),
		}
	})
	return revoked, nil
}

// ValidateAccess verifies the access token's signature and claims and
// returns the user and refresh-family identity it carries. Purely local;
// no store is consulted.
func (e *Engine) ValidateAccess(accessToken string) (userID, familyID string, expiresAt time.Time, err error) {
	if e == nil {
		return "", "", time.Time{}, ErrEngineNotReady
	}

	claims, err := e.tokens.ParseAccess(accessToken)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return claims.UID, claims.FID, claims.ExpiresAt.Time, nil
}
