package refresh

import (
	"strconv"
	"time"
)

// Record is one refresh token row, keyed in Redis by the hex of its token
// hash. Within a family at most one record has UsedAt == 0 && RevokedAt == 0;
// that record is the current token.
type Record struct {
	TokenHashHex string
	FamilyID     string
	// ParentHashHex is empty for the root token of a family.
	ParentHashHex string
	UserID        string
	IssuedAt      int64
	ExpiresAt     int64
	// UsedAt is set the moment the token is rotated; 0 means unused.
	UsedAt int64
	// RevokedAt is set by reuse detection, logout, or family revocation.
	RevokedAt  int64
	RememberMe bool
	ClientIP   string
}

// Active reports whether the record is the current token of its family.
func (r *Record) Active(now time.Time) bool {
	return r.UsedAt == 0 && r.RevokedAt == 0 && r.ExpiresAt > now.Unix()
}

func (r *Record) fields() []interface{} {
	remember := 0
	if r.RememberMe {
		remember = 1
	}
	return []interface{}{
		"family", r.FamilyID,
		"parent", r.ParentHashHex,
		"user", r.UserID,
		"iat", r.IssuedAt,
		"exp", r.ExpiresAt,
		"used", r.UsedAt,
		"revoked", r.RevokedAt,
		"remember", remember,
		"ip", r.ClientIP,
	}
}

func recordFromHash(tokenHashHex string, raw map[string]string) (*Record, error) {
	rec := &Record{
		TokenHashHex:  tokenHashHex,
		FamilyID:      raw["family"],
		ParentHashHex: raw["parent"],
		UserID:        raw["user"],
		ClientIP:      raw["ip"],
	}
	if rec.FamilyID == "" || rec.UserID == "" {
		return nil, ErrRecordCorrupt
	}

	var err error
	if rec.IssuedAt, err = strconv.ParseInt(raw["iat"], 10, 64); err != nil {
		return nil, ErrRecordCorrupt
	}
	if rec.ExpiresAt, err = strconv.ParseInt(raw["exp"], 10, 64); err != nil {
		return nil, ErrRecordCorrupt
	}
	if rec.UsedAt, err = strconv.ParseInt(raw["used"], 10, 64); err != nil {
		return nil, ErrRecordCorrupt
	}
	if rec.RevokedAt, err = strconv.ParseInt(raw["revoked"], 10, 64); err != nil {
		return nil, ErrRecordCorrupt
	}
	rec.RememberMe = raw["remember"] == "1"

	return rec, nil
}
