// Package password verifies plaintext passwords against the hashes kept by
// the identity directory.
//
// Three stored forms are recognised:
//
//   - bcrypt ("$2a$", "$2b$", "$2y$"); the directory salt is not used.
//   - encoded argon2id ("$argon2id$v=19$m=..,t=..,p=..$salt$key", unpadded
//     base64); the directory salt is not used.
//   - raw argon2id: the hex-encoded key derived from the password and the
//     directory salt with the verifier's parameters.
//
// Passwords are NFKD-normalised before hashing.
package password

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"github.com/jmcleod/gatekeep/internal/util"
)

// ErrInvalidHash is returned for stored hashes that cannot be parsed.
var ErrInvalidHash = errors.New("invalid password hash")

// Scheme names a stored hash format.
type Scheme string

const (
	SchemeBcrypt         Scheme = "bcrypt"
	SchemeArgon2id       Scheme = "argon2id"
	SchemeArgon2idRawHex Scheme = "argon2id-hex"
)

// Detect returns the scheme of a stored hash.
func Detect(hash string) Scheme {
	switch {
	case strings.HasPrefix(hash, "$2a$"), strings.HasPrefix(hash, "$2b$"), strings.HasPrefix(hash, "$2y$"):
		return SchemeBcrypt
	case strings.HasPrefix(hash, "$argon2id$"):
		return SchemeArgon2id
	default:
		return SchemeArgon2idRawHex
	}
}

// Verifier checks passwords. The zero value is not usable; use NewVerifier.
type Verifier struct {
	params util.Argon2idParams
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithArgon2idParams sets the parameters for raw hex hashes. They also cap
// the cost accepted from encoded hashes.
func WithArgon2idParams(p util.Argon2idParams) Option {
	return func(v *Verifier) { v.params = p }
}

// NewVerifier returns a Verifier using util.DefaultArgon2idParams unless
// overridden.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{params: util.DefaultArgon2idParams()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyPassword reports whether plaintext matches hash. Malformed hashes
// never match.
func (v *Verifier) VerifyPassword(plaintext, salt, hash string) bool {
	ok, err := v.Verify(plaintext, salt, hash)
	return err == nil && ok
}

// Verify is VerifyPassword with the parse error exposed.
func (v *Verifier) Verify(plaintext, salt, hash string) (bool, error) {
	if hash == "" {
		return false, ErrInvalidHash
	}
	plaintext = util.Normalize(plaintext)

	switch Detect(hash) {
	case SchemeBcrypt:
		err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrInvalidHash, err)
		}
		return true, nil

	case SchemeArgon2id:
		params, encSalt, key, err := decodeArgon2id(hash)
		if err != nil {
			return false, err
		}
		if !v.withinBounds(params) {
			return false, fmt.Errorf("%w: argon2id cost exceeds limits", ErrInvalidHash)
		}
		return util.CompareArgon2idKey(plaintext, encSalt, params, key)

	default:
		key, err := util.HexDecode(hash)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrInvalidHash, err)
		}
		params := v.params
		params.KeyLen = uint32(len(key))
		return util.CompareArgon2idKey(plaintext, []byte(salt), params, key)
	}
}

// withinBounds rejects encoded hashes asking for far more work than the
// verifier is configured for.
func (v *Verifier) withinBounds(p util.Argon2idParams) bool {
	return p.MemoryKiB <= v.params.MemoryKiB*2 &&
		p.Time <= v.params.Time*4 &&
		p.Parallelism <= v.params.Parallelism*2
}

// HashArgon2idHex derives the raw hex form for plaintext and salt.
func HashArgon2idHex(plaintext, salt string, params util.Argon2idParams) (string, error) {
	key, err := util.DeriveArgon2idKey(util.Normalize(plaintext), []byte(salt), params)
	if err != nil {
		return "", err
	}
	return util.HexEncode(key), nil
}

// HashArgon2id returns the encoded argon2id form with a fresh random salt.
func HashArgon2id(plaintext string, params util.Argon2idParams) (string, error) {
	salt, err := util.RandomBytes(16)
	if err != nil {
		return "", err
	}
	key, err := util.DeriveArgon2idKey(util.Normalize(plaintext), salt, params)
	if err != nil {
		return "", err
	}
	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, params.MemoryKiB, params.Time, params.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// HashBcrypt returns a bcrypt hash of plaintext at cost.
func HashBcrypt(plaintext string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(util.Normalize(plaintext)), cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func decodeArgon2id(encoded string) (util.Argon2idParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" || parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return util.Argon2idParams{}, nil, nil, ErrInvalidHash
	}
	var (
		mem, t uint32
		par    uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &t, &par); err != nil {
		return util.Argon2idParams{}, nil, nil, fmt.Errorf("%w: %w", ErrInvalidHash, err)
	}
	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return util.Argon2idParams{}, nil, nil, fmt.Errorf("%w: salt: %w", ErrInvalidHash, err)
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return util.Argon2idParams{}, nil, nil, fmt.Errorf("%w: key: %w", ErrInvalidHash, err)
	}
	params := util.Argon2idParams{Time: t, MemoryKiB: mem, Parallelism: par, KeyLen: uint32(len(key))}
	if err := params.Validate(); err != nil {
		return util.Argon2idParams{}, nil, nil, fmt.Errorf("%w: %w", ErrInvalidHash, err)
	}
	return params, salt, key, nil
}
