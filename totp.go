package authgate

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"hash"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const totpSecretBytes = 20

// totpManager verifies RFC 6238 codes inside a bounded drift window and
// reports which time step matched so the engine can refuse a replay of the
// same step.
type totpManager struct {
	config  TOTPConfig
	modulus int
}

func newTOTPManager(cfg TOTPConfig) *totpManager {
	if cfg.Algorithm == "" {
		cfg.Algorithm = "SHA1"
	}
	modulus := 1
	for i := 0; i < cfg.Digits; i++ {
		modulus *= 10
	}
	return &totpManager{config: cfg, modulus: modulus}
}

func (m *totpManager) GenerateSecret() ([]byte, string, error) {
	if m == nil {
		return nil, "", ErrEngineNotReady
	}
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return raw, enc.EncodeToString(raw), nil
}

func (m *totpManager) ProvisionURI(secretBase32, account string) string {
	q := url.Values{
		"secret":    {secretBase32},
		"issuer":    {m.config.Issuer},
		"period":    {strconv.Itoa(m.config.Period)},
		"digits":    {strconv.Itoa(m.config.Digits)},
		"algorithm": {strings.ToUpper(m.config.Algorithm)},
	}
	return "otpauth://totp/" + url.PathEscape(m.config.Issuer+":"+account) + "?" + q.Encode()
}

// VerifyCode checks code against every step in the drift window around now.
// On a match it returns the step counter that produced the code.
func (m *totpManager) VerifyCode(secret []byte, code string, now time.Time) (bool, int64, error) {
	if m == nil {
		return false, 0, ErrEngineNotReady
	}
	if len(secret) == 0 {
		return false, 0, errors.New("empty totp secret")
	}

	presented := strings.TrimSpace(code)
	if len(presented) != m.config.Digits || !allDigits(presented) {
		return false, 0, nil
	}

	center := now.Unix() / int64(m.config.Period)
	first := center - int64(m.config.Skew)
	if first < 0 {
		first = 0
	}

	for counter := first; counter <= center+int64(m.config.Skew); counter++ {
		candidate, err := m.codeAt(secret, counter)
		if err != nil {
			return false, 0, err
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(presented)) == 1 {
			return true, counter, nil
		}
	}
	return false, 0, nil
}

// codeAt derives the zero-padded HOTP code for one step counter.
func (m *totpManager) codeAt(secret []byte, counter int64) (string, error) {
	newHash, err := totpHash(m.config.Algorithm)
	if err != nil {
		return "", err
	}

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))
	mac := hmac.New(newHash, secret)
	_, _ = mac.Write(msg[:])

	code := strconv.Itoa(truncate(mac.Sum(nil)) % m.modulus)
	for len(code) < m.config.Digits {
		code = "0" + code
	}
	return code, nil
}

// truncate applies the RFC 4226 dynamic offset to the MAC output.
func truncate(sum []byte) int {
	offset := sum[len(sum)-1] & 0x0f
	return int(binary.BigEndian.Uint32(sum[offset:offset+4]) &^ (1 << 31))
}

func totpHash(algorithm string) (func() hash.Hash, error) {
	switch strings.ToUpper(algorithm) {
	case "", "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	default:
		return nil, errors.New("unsupported totp algorithm: " + algorithm)
	}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
