package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTokenMalformed = errors.New("invalid token format")
	ErrTokenSignature = errors.New("invalid token signature")
	ErrTokenExpired   = errors.New("token expired")
)

// SignedToken is the decoded content of a download token.
type SignedToken struct {
	SubjectID string
	Locator   string
	ExpiresAt time.Time
}

// SignedURLSigner creates and validates signed download tokens.
type SignedURLSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSignedURLSigner constructs a signer with the provided secret and TTL.
func NewSignedURLSigner(secret string, ttl time.Duration) *SignedURLSigner {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &SignedURLSigner{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Generate returns a token binding the subject (an attachment id) to its storage locator.
func (s *SignedURLSigner) Generate(subjectID, locator string) (string, time.Time, error) {
	if subjectID == "" || locator == "" {
		return "", time.Time{}, fmt.Errorf("subject and locator required")
	}
	if strings.Contains(subjectID, ".") {
		return "", time.Time{}, fmt.Errorf("subject must not contain '.'")
	}
	if len(s.secret) == 0 {
		return "", time.Time{}, fmt.Errorf("signing secret missing")
	}
	expiresAt := s.now().Add(s.ttl)
	ts := strconv.FormatInt(expiresAt.Unix(), 10)
	encoded := base64.RawURLEncoding.EncodeToString([]byte(locator))
	token := strings.Join([]string{subjectID, ts, encoded, s.sign(subjectID, ts, encoded)}, ".")
	return token, expiresAt, nil
}

// Parse validates a token. When allowExpired is true the expiry check is skipped.
func (s *SignedURLSigner) Parse(token string, allowExpired bool) (*SignedToken, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return nil, ErrTokenMalformed
	}
	subjectID, ts, encoded, signature := parts[0], parts[1], parts[2], parts[3]

	rawLocator, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode locator: %w", ErrTokenMalformed)
	}
	expUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode expiry: %w", ErrTokenMalformed)
	}
	if !hmac.Equal([]byte(s.sign(subjectID, ts, encoded)), []byte(signature)) {
		return nil, ErrTokenSignature
	}
	expiresAt := time.Unix(expUnix, 0)
	if !allowExpired && s.now().After(expiresAt) {
		return nil, ErrTokenExpired
	}
	return &SignedToken{SubjectID: subjectID, Locator: string(rawLocator), ExpiresAt: expiresAt}, nil
}

func (s *SignedURLSigner) sign(subjectID, ts, encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(subjectID + "|" + ts + "|" + encoded))
	return hex.EncodeToString(mac.Sum(nil))
}
