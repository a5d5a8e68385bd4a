package mfa

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeBase32KnownVectors(t *testing.T) {
	// RFC 4648 test vectors, without padding.
	cases := map[string]string{
		"":       "",
		"f":      "MY",
		"fo":     "MZXQ",
		"foo":    "MZXW6",
		"foob":   "MZXW6YQ",
		"fooba":  "MZXW6YTB",
		"foobar": "MZXW6YTBOI",
	}

	for input, expected := range cases {
		require.Equal(t, expected, EncodeBase32([]byte(input)), "input %q", input)
	}
}

func TestDecodeBase32RoundTrip(t *testing.T) {
	decoded, err := DecodeBase32("JBSWY3DPEHPK3PXP")
	require.NoError(t, err)
	require.Equal(t, "Hello!\xde\xad\xbe\xef", string(decoded))

	require.Equal(t, "JBSWY3DPEHPK3PXP", EncodeBase32(decoded))
}

func TestDecodeBase32CaseAndPadding(t *testing.T) {
	reference, err := DecodeBase32("MZXW6YTB")
	require.NoError(t, err)

	lower, err := DecodeBase32("mzxw6ytb")
	require.NoError(t, err)
	require.Equal(t, reference, lower)

	padded, err := DecodeBase32("MZXW6YTB====")
	require.NoError(t, err)
	require.Equal(t, reference, padded)
}

func TestDecodeBase32RejectsInvalidSymbols(t *testing.T) {
	for _, input := range []string{"MZXW1", "MZXW0", "MZ XW", "MZXW!"} {
		_, err := DecodeBase32(input)
		require.Error(t, err, "input %q", input)

		var decodeErr *DecodeError
		require.ErrorAs(t, err, &decodeErr)
	}
}
