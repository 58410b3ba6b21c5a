package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/gatekeep/internal/util"
)

var fastParams = util.Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1, KeyLen: 32}

func TestDetect(t *testing.T) {
	assert.Equal(t, SchemeBcrypt, Detect("$2a$10$abc"))
	assert.Equal(t, SchemeBcrypt, Detect("$2b$10$abc"))
	assert.Equal(t, SchemeArgon2id, Detect("$argon2id$v=19$m=1024,t=1,p=1$c2FsdA$a2V5"))
	assert.Equal(t, SchemeArgon2idRawHex, Detect("deadbeef"))
}

func TestVerifyRawHex(t *testing.T) {
	v := NewVerifier(WithArgon2idParams(fastParams))
	hash, err := HashArgon2idHex("hunter2", "pepper-salt", fastParams)
	require.NoError(t, err)

	assert.True(t, v.VerifyPassword("hunter2", "pepper-salt", hash))
	assert.False(t, v.VerifyPassword("hunter3", "pepper-salt", hash))
	assert.False(t, v.VerifyPassword("hunter2", "other-salt", hash))
}

func TestVerifyEncodedArgon2id(t *testing.T) {
	v := NewVerifier(WithArgon2idParams(fastParams))
	hash, err := HashArgon2id("correct horse", fastParams)
	require.NoError(t, err)
	assert.Equal(t, SchemeArgon2id, Detect(hash))

	assert.True(t, v.VerifyPassword("correct horse", "ignored", hash))
	assert.False(t, v.VerifyPassword("wrong horse", "", hash))
}

func TestVerifyEncodedArgon2idRejectsExcessiveCost(t *testing.T) {
	heavy := fastParams
	heavy.MemoryKiB = fastParams.MemoryKiB * 8
	hash, err := HashArgon2id("pw", heavy)
	require.NoError(t, err)

	v := NewVerifier(WithArgon2idParams(fastParams))
	ok, err := v.Verify("pw", "", hash)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInvalidHash)
}

func TestVerifyBcrypt(t *testing.T) {
	v := NewVerifier()
	hash, err := HashBcrypt("s3cret!", bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, v.VerifyPassword("s3cret!", "unused", hash))
	assert.False(t, v.VerifyPassword("s3cret?", "unused", hash))
}

func TestVerifyNormalisesUnicode(t *testing.T) {
	v := NewVerifier(WithArgon2idParams(fastParams))
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	hash, err := HashArgon2idHex(composed, "s", fastParams)
	require.NoError(t, err)
	assert.True(t, v.VerifyPassword(decomposed, "s", hash))
}

func TestVerifyMalformed(t *testing.T) {
	v := NewVerifier(WithArgon2idParams(fastParams))
	for _, hash := range []string{
		"",
		"not-hex!",
		"$argon2id$v=18$m=1024,t=1,p=1$c2FsdHNhbHQ$a2V5a2V5a2V5a2V5a2V5a2V5",
		"$argon2id$v=19$garbage$c2FsdA$a2V5",
		"$argon2id$v=19$m=1024,t=1,p=1$!!!$a2V5",
		"$2a$10$tooshort",
	} {
		ok, err := v.Verify("pw", "salt", hash)
		assert.False(t, ok, hash)
		assert.ErrorIs(t, err, ErrInvalidHash, hash)
		assert.False(t, v.VerifyPassword("pw", "salt", hash), hash)
	}
}
