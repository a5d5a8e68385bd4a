package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveKeyArgon2idDeterministic(t *testing.T) {
	secret := []byte("master-encryption-key")
	salt := []byte("certivault-mfa-secrets!!")

	first, err := DeriveKeyArgon2id(secret, salt, DefaultArgon2Params())
	require.NoError(t, err)
	require.Len(t, first, 32)

	second, err := DeriveKeyArgon2id(secret, salt, DefaultArgon2Params())
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := DeriveKeyArgon2id([]byte("different"), salt, DefaultArgon2Params())
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestDeriveKeyArgon2idValidation(t *testing.T) {
	salt := []byte("0123456789abcdef")

	_, err := DeriveKeyArgon2id(nil, salt, DefaultArgon2Params())
	require.Error(t, err)

	_, err = DeriveKeyArgon2id([]byte("secret"), []byte("short"), DefaultArgon2Params())
	require.Error(t, err)

	bad := DefaultArgon2Params()
	bad.KeyLength = 31
	_, err = DeriveKeyArgon2id([]byte("secret"), salt, bad)
	require.Error(t, err)
}
