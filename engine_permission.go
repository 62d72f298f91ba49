package authgate

import (
	"context"
	"errors"
	"fmt"
)

// BulkApprovalResult aggregates per-request outcomes of ApprovePermissions.
// Each request is decided independently; one failure never rolls back the
// grants that already landed.
type BulkApprovalResult struct {
	Approved int
	Failed   map[string]error
}

// ApprovePermission grants the requested role and consumes the pending
// request. Version conflicts on the role assignment are retried a bounded
// number of times; a vanished target user leaves the request pending so the
// condition stays observable.
func (e *Engine) ApprovePermission(ctx context.Context, requestID, approvedBy string) error {
	if e == nil || e.requests == nil || e.assignments == nil {
		return ErrEngineNotReady
	}

	req, err := e.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}

	if !e.roles.Known(req.RequestedRole) {
		e.emitAudit(ctx, AuditPermissionRejected, req.UserID, false, ErrRoleUnknown, func() map[string]string {
			return map[string]string{"request_id": requestID, "role": req.RequestedRole}
		})
		return ErrRoleUnknown
	}

	if err := e.grantWithRetry(ctx, req); err != nil {
		return err
	}

	// Grant first, then consume the request. A crash between the two leaves
	// a pending request whose re-approval is idempotent.
	if err := e.requests.Delete(ctx, requestID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricPermissionGranted)
	e.emitAudit(ctx, AuditPermissionGranted, req.UserID, true, nil, func() map[string]string {
		return map[string]string{
			"request_id":  requestID,
			"role":        req.RequestedRole,
			"approved_by": approvedBy,
		}
	})
	return nil
}

// RejectPermission consumes the pending request without touching the role
// assignment.
func (e *Engine) RejectPermission(ctx context.Context, requestID, rejectedBy string) error {
	if e == nil || e.requests == nil {
		return ErrEngineNotReady
	}

	req, err := e.loadRequest(ctx, requestID)
	if err != nil {
		return err
	}

	if err := e.requests.Delete(ctx, requestID); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metrics.Inc(MetricPermissionRejected)
	e.emitAudit(ctx, AuditPermissionRejected, req.UserID, true, nil, func() map[string]string {
		return map[string]string{
			"request_id":  requestID,
			"role":        req.RequestedRole,
			"rejected_by": rejectedBy,
		}
	})
	return nil
}

// ApprovePermissions approves a batch of requests independently and reports
// the aggregate outcome. The returned error is non-nil only for engine
// misconfiguration, never for per-request failures.
func (e *Engine) ApprovePermissions(ctx context.Context, requestIDs []string, approvedBy string) (*BulkApprovalResult, error) {
	if e == nil || e.requests == nil || e.assignments == nil {
		return nil, ErrEngineNotReady
	}

	result := &BulkApprovalResult{Failed: make(map[string]error)}
	for _, id := range requestIDs {
		if err := e.ApprovePermission(ctx, id, approvedBy); err != nil {
			result.Failed[id] = err
			continue
		}
		result.Approved++
	}
	return result, nil
}

func (e *Engine) loadRequest(ctx context.Context, requestID string) (*PermissionRequest, error) {
	if requestID == "" {
		return nil, ErrRequestNotFound
	}

	req, err := e.requests.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	return req, nil
}

// grantWithRetry applies the role grant under optimistic concurrency. Each
// attempt re-reads the assignment, decides idempotently, and writes against
// the observed version.
func (e *Engine) grantWithRetry(ctx context.Context, req *PermissionRequest) error {
	var lastErr error

	for attempt := 0; attempt < e.config.Permission.MaxGrantRetries; attempt++ {
		assignment, err := e.assignments.GetAssignment(ctx, req.UserID)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return ErrUserNotFound
			}
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		if hasRole(assignment.Roles, req.RequestedRole) {
			return nil
		}

		err = e.assignments.Grant(ctx, req.UserID, req.RequestedRole, assignment.Version)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAssignmentConflict) {
			e.metrics.Inc(MetricPermissionConflictRetry)
			lastErr = err
			continue
		}
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("%w: %v", ErrRoleGrantFailed, err)
	}

	return fmt.Errorf("%w: %v", ErrRoleGrantFailed, lastErr)
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}
