package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Config selects how API keys are hashed at rest. It is read from the
// environment by the config package under the AGENTGUARD_AUTH_ prefix.
type Config struct {
	// HashAlgorithm is "bcrypt" or "argon2".
	HashAlgorithm string `env:"HASH_ALGORITHM" envDefault:"bcrypt"`
	BcryptCost    int    `env:"BCRYPT_COST" envDefault:"12"`
	Argon2Time    uint32 `env:"ARGON2_TIME" envDefault:"1"`
	// Argon2Memory is in KiB.
	Argon2Memory  uint32 `env:"ARGON2_MEMORY" envDefault:"65536"`
	Argon2Threads uint8  `env:"ARGON2_THREADS" envDefault:"4"`
}

func DefaultConfig() Config {
	return Config{
		HashAlgorithm: string(AlgorithmBcrypt),
		BcryptCost:    12,
		Argon2Time:    1,
		Argon2Memory:  64 * 1024,
		Argon2Threads: 4,
	}
}

func (c Config) Validate() error {
	switch HashAlgorithm(c.HashAlgorithm) {
	case AlgorithmBcrypt:
		if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
			return fmt.Errorf("bcrypt cost must be in [%d, %d], got %d", bcrypt.MinCost, bcrypt.MaxCost, c.BcryptCost)
		}
	case AlgorithmArgon2:
		if c.Argon2Time == 0 || c.Argon2Memory == 0 || c.Argon2Threads == 0 {
			return fmt.Errorf("argon2 time, memory and threads must be positive")
		}
	default:
		return fmt.Errorf("hash algorithm must be %q or %q, got %q", AlgorithmBcrypt, AlgorithmArgon2, c.HashAlgorithm)
	}
	return nil
}
