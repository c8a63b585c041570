package cryptox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSecretCipherRoundTrip(t *testing.T) {
	t.Parallel()

	c, err := NewSecretCipher([]byte("test-master-key"))
	require.NoError(t, err)

	blob, err := c.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	plain, err := c.Decrypt(blob)
	require.NoError(t, err)
	require.Equal(t, "JBSWY3DPEHPK3PXP", plain)
}

func TestSecretCipherFreshNoncePerCall(t *testing.T) {
	t.Parallel()

	c, err := NewSecretCipher([]byte("test-master-key"))
	require.NoError(t, err)

	a, err := c.Encrypt("same-secret")
	require.NoError(t, err)
	b, err := c.Encrypt("same-secret")
	require.NoError(t, err)

	require.NotEqual(t, a, b)
}

func TestSecretCipherRejectsTamperedCiphertext(t *testing.T) {
	t.Parallel()

	c, err := NewSecretCipher([]byte("test-master-key"))
	require.NoError(t, err)

	blob, err := c.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	// Flip a bit in the ciphertext body (past the nonce).
	blob[len(blob)-1] ^= 0x01
	_, err = c.Decrypt(blob)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestSecretCipherRejectsShortBlob(t *testing.T) {
	t.Parallel()

	c, err := NewSecretCipher([]byte("test-master-key"))
	require.NoError(t, err)

	_, err = c.Decrypt([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestSecretCipherRejectsOtherKey(t *testing.T) {
	t.Parallel()

	a, err := NewSecretCipher([]byte("key-a"))
	require.NoError(t, err)
	b, err := NewSecretCipher([]byte("key-b"))
	require.NoError(t, err)

	blob, err := a.Encrypt("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)

	_, err = b.Decrypt(blob)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestNewSecretCipherRejectsEmptyKey(t *testing.T) {
	t.Parallel()

	_, err := NewSecretCipher(nil)
	require.Error(t, err)
}
