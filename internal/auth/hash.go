package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

type HashAlgorithm string

const (
	AlgorithmBcrypt HashAlgorithm = "bcrypt"
	AlgorithmArgon2 HashAlgorithm = "argon2"
)

// KeyPrefix marks agentguard API keys.
const KeyPrefix = "agk_"

// prefixLen is how many characters after KeyPrefix identify a key without
// revealing it.
const prefixLen = 8

// ErrInvalidKey means the raw key is not in agk_<random> form.
var ErrInvalidKey = errors.New("invalid API key format")

// GenerateAPIKey returns a new raw key and its lookup prefix. The raw key is
// shown once and never stored.
func GenerateAPIKey() (rawKey, prefix string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate key: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(buf)
	return KeyPrefix + encoded, encoded[:prefixLen], nil
}

// HashKey hashes rawKey with the configured algorithm.
func HashKey(rawKey string, cfg Config) (string, error) {
	secret, ok := strings.CutPrefix(rawKey, KeyPrefix)
	if !ok || secret == "" {
		return "", ErrInvalidKey
	}
	switch HashAlgorithm(cfg.HashAlgorithm) {
	case AlgorithmArgon2:
		return hashArgon2(secret, cfg)
	default:
		cost := cfg.BcryptCost
		if cost == 0 {
			cost = bcrypt.DefaultCost
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
		if err != nil {
			return "", fmt.Errorf("bcrypt: %w", err)
		}
		return string(hash), nil
	}
}

// VerifyKey reports whether rawKey matches storedHash. The algorithm is
// taken from the hash itself, so keys hashed under an earlier setting keep
// working.
func VerifyKey(rawKey, storedHash string) bool {
	secret, ok := strings.CutPrefix(rawKey, KeyPrefix)
	if !ok || secret == "" {
		return false
	}
	switch {
	case strings.HasPrefix(storedHash, "$2"):
		return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(secret)) == nil
	case strings.HasPrefix(storedHash, "$argon2id$"):
		return verifyArgon2(secret, storedHash)
	default:
		return false
	}
}

// ExtractKeyPrefix returns the lookup prefix of rawKey, or "" when rawKey is
// malformed.
func ExtractKeyPrefix(rawKey string) string {
	secret, ok := strings.CutPrefix(rawKey, KeyPrefix)
	if !ok || len(secret) < prefixLen {
		return ""
	}
	return secret[:prefixLen]
}

// hashArgon2 encodes as $argon2id$v=19$m=<mem>,t=<time>,p=<threads>$<salt>$<hash>.
func hashArgon2(secret string, cfg Config) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("argon2 salt: %w", err)
	}
	sum := argon2.IDKey([]byte(secret), salt, cfg.Argon2Time, cfg.Argon2Memory, cfg.Argon2Threads, 32)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, cfg.Argon2Memory, cfg.Argon2Time, cfg.Argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

func verifyArgon2(secret, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false
	}
	var (
		memory, iterations uint32
		threads            uint8
	)
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, iterations, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
