// Package fairness holds the provably-fair mines math: mine placement from a
// seed pair, payout multipliers and bitmask helpers. Nothing here does I/O.
package fairness

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"micro-casino/internal/apperr"
)

const (
	// MaxRehashRounds bounds mine generation. Hitting it means the entropy
	// source is broken, not that the player was unlucky.
	MaxRehashRounds = 1000

	// MinGridSize and MaxGridSize bound the grids whose tiles a 16-bit chunk can address.
	MinGridSize = 2
	MaxGridSize = 1 << 16

	chunkSpace = 1 << 16

	// chunksPerDigest is how many 16-bit chunks one SHA-256 digest yields.
	chunksPerDigest = sha256.Size / 2

	// denseFailureOdds is the highest acceptable chance that a grid with a
	// single safe tile exhausts MaxRehashRounds.
	denseFailureOdds = 1e-6
)

// DenseGridSupported reports whether a gridSize grid holding gridSize-1 mines
// can be generated within MaxRehashRounds except with odds below one in a
// million. Generation fails only if two or more tiles are never drawn, so the
// bound is pairs * (1 - 2/gridSize)^draws.
func DenseGridSupported(gridSize int) bool {
	if gridSize < MinGridSize || gridSize > MaxGridSize {
		return false
	}
	n := float64(gridSize)
	accepted := float64((chunkSpace/gridSize)*gridSize) / chunkSpace
	draws := float64(MaxRehashRounds*chunksPerDigest) * accepted
	pairs := n * (n - 1) / 2
	return pairs*math.Pow(1-2/n, draws) < denseFailureOdds
}

// ValidateGrid checks gridSize and mineCount bounds.
func ValidateGrid(gridSize, mineCount int) error {
	if gridSize < MinGridSize || gridSize > MaxGridSize {
		return apperr.Validation(fmt.Sprintf("grid size must be between %d and %d", MinGridSize, MaxGridSize))
	}
	if mineCount < 1 || mineCount > gridSize-1 {
		return apperr.Validation(fmt.Sprintf("mine count must be between 1 and %d", gridSize-1))
	}
	return nil
}

// RoundDigest is HMAC-SHA256(serverSeed, "clientSeed:nonce"), the root of a round's randomness.
func RoundDigest(serverSeed, clientSeed string, nonce int64) []byte {
	h := hmac.New(sha256.New, []byte(serverSeed))
	h.Write([]byte(clientSeed + ":" + strconv.FormatInt(nonce, 10)))
	return h.Sum(nil)
}

// GenerateMineMask places mineCount mines on gridSize tiles.
//
// The round digest is read as big-endian 16-bit chunks. A chunk at or above
// floor(65536/gridSize)*gridSize is discarded to avoid modulo bias, otherwise
// chunk mod gridSize is a candidate position. When a digest runs out it is
// extended with sha256(hex(digest) + ":" + round). Identical inputs always
// produce the identical mask.
func GenerateMineMask(serverSeed, clientSeed string, nonce int64, gridSize, mineCount int) (*big.Int, error) {
	if err := ValidateGrid(gridSize, mineCount); err != nil {
		return nil, err
	}

	limit := (chunkSpace / gridSize) * gridSize
	digest := RoundDigest(serverSeed, clientSeed, nonce)
	mask := new(big.Int)
	placed := 0

	for round := 0; ; round++ {
		for i := 0; i+1 < len(digest) && placed < mineCount; i += 2 {
			value := int(binary.BigEndian.Uint16(digest[i : i+2]))
			if value >= limit {
				continue
			}
			pos := value % gridSize
			if mask.Bit(pos) == 1 {
				continue
			}
			mask.SetBit(mask, pos, 1)
			placed++
		}
		if placed == mineCount {
			break
		}
		if round+1 >= MaxRehashRounds {
			return nil, apperr.Integrity(
				fmt.Sprintf("mine generation exhausted %d rounds (placed %d of %d)", MaxRehashRounds, placed, mineCount), nil)
		}
		next := sha256.Sum256([]byte(hex.EncodeToString(digest) + ":" + strconv.Itoa(round+1)))
		digest = next[:]
	}

	if got := CountSetBits(mask); got != mineCount {
		return nil, apperr.Integrity(fmt.Sprintf("generated %d mines, want %d", got, mineCount), nil)
	}
	return mask, nil
}

// MinePositions is GenerateMineMask expanded to ascending tile indices.
func MinePositions(serverSeed, clientSeed string, nonce int64, gridSize, mineCount int) ([]int, error) {
	mask, err := GenerateMineMask(serverSeed, clientSeed, nonce, gridSize, mineCount)
	if err != nil {
		return nil, err
	}
	return MaskToPositions(mask), nil
}
