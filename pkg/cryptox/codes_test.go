package cryptox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNumericCode(t *testing.T) {
	t.Parallel()

	t.Run("generates requested length of digits", func(t *testing.T) {
		code, err := NumericCode(6)
		require.NoError(t, err)
		require.Len(t, code, 6)
		for _, r := range code {
			require.True(t, r >= '0' && r <= '9', "unexpected rune %q", r)
		}
	})

	t.Run("rejects non-positive length", func(t *testing.T) {
		_, err := NumericCode(0)
		require.Error(t, err)
	})
}

func TestBackupCodes(t *testing.T) {
	t.Parallel()

	codes, err := BackupCodes(10)
	require.NoError(t, err)
	require.Len(t, codes, 10)

	seen := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		require.Len(t, code, BackupCodeLength)
		for _, r := range code {
			require.Contains(t, backupCodeAlphabet, string(r))
		}
		_, dup := seen[code]
		require.False(t, dup, "duplicate backup code generated")
		seen[code] = struct{}{}
	}
}

func TestFingerprintTokenDeterministic(t *testing.T) {
	t.Parallel()

	require.Equal(t, FingerprintToken("abc"), FingerprintToken("abc"))
	require.NotEqual(t, FingerprintToken("abc"), FingerprintToken("abd"))
}

func TestGenerateToken(t *testing.T) {
	t.Parallel()

	a, err := GenerateToken(TokenSize256)
	require.NoError(t, err)
	b, err := GenerateToken(TokenSize256)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Len(t, a, 43) // 32 bytes base64url, no padding

	_, err = GenerateToken(-1)
	require.Error(t, err)
}
