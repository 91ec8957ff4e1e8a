package fairness

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// GenerateServerSeed returns 256 bits of hex-encoded entropy.
func GenerateServerSeed() (string, error) {
	return randomHex(32)
}

// GenerateClientSeed returns 128 bits of hex-encoded entropy.
func GenerateClientSeed() (string, error) {
	return randomHex(16)
}

// HashServerSeed is the published commitment to a server seed.
func HashServerSeed(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
