package fairness

import (
	"fmt"
	"math/big"
	"strings"
)

// MaskToPositions returns the indices of the set bits in mask, ascending.
func MaskToPositions(mask *big.Int) []int {
	positions := make([]int, 0)
	if mask == nil {
		return positions
	}
	for i := 0; i < mask.BitLen(); i++ {
		if mask.Bit(i) == 1 {
			positions = append(positions, i)
		}
	}
	return positions
}

// CountSetBits returns the population count of mask.
func CountSetBits(mask *big.Int) int {
	if mask == nil {
		return 0
	}
	count := 0
	for _, word := range mask.Bits() {
		w := uint64(word)
		for w != 0 {
			w &= w - 1
			count++
		}
	}
	return count
}

// IsBitSet reports whether bit index is set in mask.
func IsBitSet(mask *big.Int, index int) bool {
	if mask == nil || index < 0 {
		return false
	}
	return mask.Bit(index) == 1
}

// PositionsToMask folds tile indices into a bitmask.
func PositionsToMask(positions []int) *big.Int {
	mask := new(big.Int)
	for _, p := range positions {
		mask.SetBit(mask, p, 1)
	}
	return mask
}

// MaskWidth is the number of hex digits used to store a mask for gridSize tiles.
func MaskWidth(gridSize int) int {
	return (gridSize + 3) / 4
}

// FormatMask renders mask as fixed-width lowercase big-endian hex. The fixed
// width lets the reveal script address a tile's nibble by offset.
func FormatMask(mask *big.Int, gridSize int) string {
	width := MaskWidth(gridSize)
	if mask == nil || mask.Sign() == 0 {
		return strings.Repeat("0", width)
	}
	s := mask.Text(16)
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return s
}

// ParseMask parses a hex mask produced by FormatMask.
func ParseMask(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	mask, ok := new(big.Int).SetString(s, 16)
	if !ok || mask.Sign() < 0 {
		return nil, fmt.Errorf("malformed mask %q", s)
	}
	return mask, nil
}
