package mfa

import (
	cryptoRand "crypto/rand"
	"strings"
)

// ConsumeResult is the outcome of a backup-code consumption attempt.
type ConsumeResult int

const (
	// BackupCodeConsumed means the code matched an unused entry and has been
	// moved to the used set.
	BackupCodeConsumed ConsumeResult = iota
	// BackupCodeNotFound means the code matches neither set.
	BackupCodeNotFound
	// BackupCodeAlreadyUsed means the code was valid once and has been spent.
	BackupCodeAlreadyUsed
)

func (r ConsumeResult) String() string {
	switch r {
	case BackupCodeConsumed:
		return "consumed"
	case BackupCodeAlreadyUsed:
		return "already_used"
	default:
		return "not_found"
	}
}

const backupCodeGroupLen = 4

// generateBackupCode returns a recovery code in XXXX-XXXX form drawn from the
// base32 alphabet via crypto/rand.
func generateBackupCode() (string, error) {
	buf := make([]byte, 2*backupCodeGroupLen)
	if _, err := cryptoRand.Read(buf); err != nil {
		return "", err
	}

	chars := make([]byte, 0, 2*backupCodeGroupLen+1)
	for i, b := range buf {
		if i == backupCodeGroupLen {
			chars = append(chars, '-')
		}
		chars = append(chars, base32Alphabet[int(b)%len(base32Alphabet)])
	}

	return string(chars), nil
}

// normalizeBackupCode strips grouping and case so user input compares
// reliably against stored hashes.
func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}
