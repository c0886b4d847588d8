// Package token issues and verifies the signed download credentials that
// gate artifact retrieval. A token is self-contained: payload plus keyed hash,
// no server-side session table.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/exportflow/exportflow/internal/domain"
)

type Claims struct {
	JobID   string `json:"job_id"`
	OwnerID string `json:"owner_id"`
	Expiry  int64  `json:"exp"`
}

type Codec struct {
	secret []byte
	now    func() time.Time
}

func NewCodec(secret string) (*Codec, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("token secret is required")
	}
	return &Codec{
		secret: []byte(secret),
		now:    time.Now,
	}, nil
}

// Issue binds a job to its owner for ttl. The token is
// base64url(payload) "." hex(HMAC-SHA256(payload)).
func (c *Codec) Issue(jobID, ownerID string, ttl time.Duration) (string, error) {
	claims := Claims{
		JobID:   jobID,
		OwnerID: ownerID,
		Expiry:  c.now().UTC().Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal token claims: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + c.sign(payload), nil
}

// Verify checks the integrity tag before anything else, then the expiry.
// All failure modes collapse into domain.ErrInvalidToken so callers leak
// nothing about why a token was rejected.
func (c *Codec) Verify(raw string) (Claims, error) {
	encoded, tag, found := strings.Cut(raw, ".")
	if !found || encoded == "" || tag == "" {
		return Claims{}, domain.ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Claims{}, domain.ErrInvalidToken
	}
	if !hmac.Equal([]byte(tag), []byte(c.sign(payload))) {
		return Claims{}, domain.ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, domain.ErrInvalidToken
	}
	if !c.now().UTC().Before(time.Unix(claims.Expiry, 0)) {
		return Claims{}, domain.ErrInvalidToken
	}

	return claims, nil
}

func (c *Codec) sign(payload []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
