package mfa

import (
	"crypto/subtle"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTP parameters shared by every credential: 6-digit SHA-1 codes over
// 30-second steps, the profile every mainstream authenticator app uses.
const (
	totpPeriod = 30
	totpDigits = otp.DigitsSix

	// totpSkew accepts codes from the adjacent time steps, tolerating up to
	// 30 seconds of clock drift either way (90-second total window).
	totpSkew = 1
)

// TimeStep returns the RFC 6238 time-step counter for the given instant.
func TimeStep(at time.Time) int64 {
	return at.Unix() / totpPeriod
}

// GenerateCode computes the 6-digit TOTP code for a base32 secret at the
// given instant.
func GenerateCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// VerifyCode checks a candidate code against the secret, accepting the
// current step and its immediate neighbours. The underlying comparison is
// constant-time. Verification is pure: replay tracking is the caller's job.
func VerifyCode(secret, candidate string, at time.Time) (bool, error) {
	return totp.ValidateCustom(candidate, secret, at, totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    totpDigits,
		Algorithm: otp.AlgorithmSHA1,
	})
}

// matchStep reports which time step within the tolerance window produced the
// candidate code. Every window is checked with a constant-time comparison
// regardless of earlier matches.
func matchStep(secret, candidate string, at time.Time) (int64, bool, error) {
	var (
		matched bool
		step    int64
	)

	for k := int64(-totpSkew); k <= totpSkew; k++ {
		offset := at.Add(time.Duration(k*totpPeriod) * time.Second)
		expected, err := GenerateCode(secret, offset)
		if err != nil {
			return 0, false, err
		}

		if subtle.ConstantTimeCompare([]byte(expected), []byte(candidate)) == 1 && !matched {
			matched = true
			step = TimeStep(offset)
		}
	}

	return step, matched, nil
}
