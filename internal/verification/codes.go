package verification

import (
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Ambiguous glyphs (0/O, 1/I/L) are left out of the alphanumeric set since
// users retype the code by hand.
const (
	digitAlphabet    = "0123456789"
	alphanumAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

func ParseDifficulty(value string) (Difficulty, bool) {
	switch Difficulty(strings.ToLower(strings.TrimSpace(value))) {
	case DifficultyEasy:
		return DifficultyEasy, true
	case DifficultyMedium:
		return DifficultyMedium, true
	case DifficultyHard:
		return DifficultyHard, true
	default:
		return "", false
	}
}

func (d Difficulty) alphabet() (string, int) {
	switch d {
	case DifficultyEasy:
		return digitAlphabet, 4
	case DifficultyHard:
		return alphanumAlphabet, 10
	default:
		return alphanumAlphabet, 6
	}
}

// GenerateCode returns a fresh challenge code for the difficulty.
func GenerateCode(d Difficulty) (string, error) {
	alphabet, size := d.alphabet()
	return gonanoid.Generate(alphabet, size)
}
