package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"math/big"
	"strings"
)

const (
	tokenSecretSize = 32

	// BackupCodeAlphabet avoids 0/O and 1/I to keep transcription unambiguous.
	BackupCodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"
)

// NewToken returns a fresh high-entropy opaque token and its SHA-256 hash.
// The plaintext goes to the client exactly once; only the hash is stored.
func NewToken() (string, [32]byte, error) {
	var secret [tokenSecretSize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return "", [32]byte{}, err
	}

	token := base64.RawURLEncoding.EncodeToString(secret[:])
	return token, sha256.Sum256([]byte(token)), nil
}

// HashToken maps a presented opaque token onto its stored lookup hash.
func HashToken(token string) [32]byte {
	return sha256.Sum256([]byte(token))
}

// NewOTP generates a uniformly random left-zero-padded numeric code.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	return b.String(), nil
}

// NewBackupCode generates one backup code over BackupCodeAlphabet.
func NewBackupCode(length int) (string, error) {
	if length < 8 {
		return "", errors.New("backup code too short")
	}

	var b strings.Builder
	b.Grow(length)

	max := big.NewInt(int64(len(BackupCodeAlphabet)))
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(BackupCodeAlphabet[n.Int64()])
	}

	return b.String(), nil
}

// FormatBackupCode renders a code for display with a midpoint separator.
func FormatBackupCode(code string) string {
	if len(code) < 8 {
		return code
	}
	mid := len(code) / 2
	return code[:mid] + "-" + code[mid:]
}

// CanonicalizeBackupCode strips formatting before hashing a submitted code.
func CanonicalizeBackupCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.ReplaceAll(s, "-", "")
	return strings.ReplaceAll(s, " ", "")
}

// BackupCodeHash binds a canonical code to its user so identical codes for
// different users never collide in storage.
func BackupCodeHash(userID, canonicalCode string) [32]byte {
	return userScopedHash(userID, canonicalCode)
}

// ChallengeCodeHash binds a delivered one-time code to its user before it is
// stored on the challenge record.
func ChallengeCodeHash(userID, code string) [32]byte {
	return userScopedHash(userID, code)
}

func userScopedHash(userID, value string) [32]byte {
	data := make([]byte, 0, len(userID)+1+len(value))
	data = append(data, userID...)
	data = append(data, 0)
	data = append(data, value...)
	return sha256.Sum256(data)
}

// HashFingerprint hashes a device fingerprint for storage and comparison.
func HashFingerprint(fingerprint string) [32]byte {
	return sha256.Sum256([]byte(fingerprint))
}
