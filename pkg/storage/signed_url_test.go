package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignedURLSignerGenerateAndParse(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, expiresAt, err := signer.Generate("att-1", "cmp-1/evidence.photo.png")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.False(t, expiresAt.IsZero())

	parsed, err := signer.Parse(token, false)
	require.NoError(t, err)
	require.Equal(t, "att-1", parsed.SubjectID)
	require.Equal(t, "cmp-1/evidence.photo.png", parsed.Locator)
	require.WithinDuration(t, expiresAt, parsed.ExpiresAt, time.Second)
}

func TestSignedURLSignerExpired(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Minute)
	base := time.Now()
	signer.now = func() time.Time { return base }
	token, _, err := signer.Generate("att-1", "cmp-1/file.pdf")
	require.NoError(t, err)

	signer.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = signer.Parse(token, false)
	require.ErrorIs(t, err, ErrTokenExpired)

	parsed, err := signer.Parse(token, true)
	require.NoError(t, err)
	require.Equal(t, "att-1", parsed.SubjectID)
}

func TestSignedURLSignerRejectsTampering(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Hour)
	token, _, err := signer.Generate("att-1", "cmp-1/file.pdf")
	require.NoError(t, err)

	other := NewSignedURLSigner("other", time.Hour)
	_, err = other.Parse(token, false)
	require.ErrorIs(t, err, ErrTokenSignature)

	_, err = signer.Parse("not-a-token", false)
	require.ErrorIs(t, err, ErrTokenMalformed)
}
