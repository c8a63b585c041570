package cryptox

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// backupCodeAlphabet is Crockford base32: unambiguous characters only, so
// users can read codes back over the phone without I/l/O/0 confusion.
const backupCodeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// BackupCodeLength is the character length of a single backup code
// (32-char alphabet, 16 chars = 80 bits of entropy).
const BackupCodeLength = 16

// NumericCode returns a random numeric code of the given length, e.g. for
// SMS one-time codes. Each digit is drawn with rand.Int, so the
// distribution is uniform with no modulo bias.
func NumericCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("cryptox: code length must be positive, got %d", length)
	}

	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("cryptox: generate numeric code: %w", err)
		}
		out[i] = byte('0' + n.Int64())
	}
	return string(out), nil
}

// BackupCodes generates count independent single-use codes. The plaintext
// values are returned exactly once; callers persist FingerprintToken of
// each, never the code itself.
func BackupCodes(count int) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("cryptox: backup code count must be positive, got %d", count)
	}

	codes := make([]string, count)
	for i := range codes {
		code, err := backupCode()
		if err != nil {
			return nil, err
		}
		codes[i] = code
	}
	return codes, nil
}

func backupCode() (string, error) {
	out := make([]byte, BackupCodeLength)
	alphabetSize := big.NewInt(int64(len(backupCodeAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("cryptox: generate backup code: %w", err)
		}
		out[i] = backupCodeAlphabet[n.Int64()]
	}
	return string(out), nil
}
