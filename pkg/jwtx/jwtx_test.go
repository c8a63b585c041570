package jwtx_test

import (
	"testing"
	"time"

	"github.com/clubworks/assoc/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	t.Parallel()

	signer, err := jwtx.NewEphemeralSigner()
	require.NoError(t, err)
	require.NoError(t, signer.Validate())

	keys := jwtx.NewKeySet()
	keys.AddSigner(signer)
	require.True(t, keys.IsReady())

	verifier := jwtx.NewVerifier(keys, "assoc-api")

	claims := jwtx.NewAccessClaims(
		"user-1", "sess-1",
		[]string{jwtx.AMRPassword, jwtx.AMROTP, jwtx.AMRMFA},
		time.Minute,
		"assoc-api",
		"alice",
		time.Now(),
	)

	token, err := signer.Sign(claims)
	require.NoError(t, err)

	parsed, err := verifier.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", parsed.Subject)
	require.Equal(t, "sess-1", parsed.SID)
	require.Equal(t, "alice", parsed.Username)
	require.True(t, parsed.HasAMR(jwtx.AMRMFA))
	require.False(t, parsed.HasAMR("hwk"))
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	t.Parallel()

	signer, err := jwtx.NewEphemeralSigner()
	require.NoError(t, err)

	keys := jwtx.NewKeySet()
	keys.AddSigner(signer)
	verifier := jwtx.NewVerifier(keys, "expected-issuer")

	claims := jwtx.NewAccessClaims(
		"user-1", "", nil, time.Minute, "other-issuer", "alice", time.Now())
	token, err := signer.Sign(claims)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	t.Parallel()

	signer, err := jwtx.NewEphemeralSigner()
	require.NoError(t, err)

	other, err := jwtx.NewEphemeralSigner()
	require.NoError(t, err)

	keys := jwtx.NewKeySet()
	keys.AddSigner(other)
	verifier := jwtx.NewVerifier(keys, "assoc-api")

	claims := jwtx.NewAccessClaims(
		"user-1", "", nil, time.Minute, "assoc-api", "alice", time.Now())
	token, err := signer.Sign(claims)
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsExpired(t *testing.T) {
	t.Parallel()

	signer, err := jwtx.NewEphemeralSigner()
	require.NoError(t, err)

	keys := jwtx.NewKeySet()
	keys.AddSigner(signer)
	verifier := jwtx.NewVerifier(keys, "assoc-api")

	claims := jwtx.NewAccessClaims(
		"user-1", "", nil, time.Minute, "assoc-api", "alice",
		time.Now().Add(-time.Hour))
	token, err := signer.Sign(claims)
	require.NoError(t, err)

	// The parser enforces exp itself, so this fails before the explicit
	// claim checks run.
	_, err = verifier.Verify(token)
	require.Error(t, err)
}
