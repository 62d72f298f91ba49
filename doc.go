// Package authgate implements the authentication session lifecycle for a web
// backend: credential verification with account lockout, MFA challenge
// handling (one-time codes, TOTP, backup codes, trusted-device bypass), and
// refresh-token rotation with reuse detection.
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build].
//
// # Architecture boundaries
//
// authgate is the public surface. It exposes [Engine], [Builder], [Config],
// the store contracts the caller implements ([CredentialStore],
// [PermissionRequestStore], [RoleAssignmentStore]), and the collaborator
// interfaces ([AuditSink], [BreachChecker], [CodeSender]). High-volume token
// state (refresh-token families, MFA challenges, trusted devices, backup
// codes) lives in Redis behind the refresh, mfa, and device packages.
//
// # What this package must NOT do
//
//   - Expose Redis clients or record encodings in its public API.
//   - Store or log any challenge token, refresh token, device token, or
//     backup code in plaintext; everything crossing a trust boundary is
//     compared by hash only.
//   - Throw expected failure modes across the boundary: invalid credentials,
//     expired challenges, token reuse, and role-grant conflicts are all
//     typed sentinel errors.
//
// # Security contract
//
// Within one refresh-token family, rotations are strictly linear. Presenting
// an already-rotated refresh token revokes the whole family and surfaces
// [ErrTokenReuseDetected]; two concurrent rotations of the same token produce
// exactly one winner.
package authgate
