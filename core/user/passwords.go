package user

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io/fs"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/trezcool/denim/core"
)

// PasswordGenerator produces memorable default passwords such as "walnut_4821".
type PasswordGenerator struct {
	words          []string
	numMin, numMax int // [numMin, numMax)
}

// LoadWords reads one word per line, skipping blanks.
func LoadWords(fsys fs.FS, name string) ([]string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, "opening word list")
	}
	defer func() { _ = f.Close() }()

	var words []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if w := strings.ToLower(strings.TrimSpace(scanner.Text())); w != "" {
			words = append(words, w)
		}
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading word list")
	}
	return words, nil
}

// NewPasswordGenerator keeps the words whose length is in [WordLenMin, WordLenMax).
func NewPasswordGenerator(words []string, conf core.AuthConfig) (*PasswordGenerator, error) {
	kept := make([]string, 0, len(words))
	for _, w := range words {
		if n := utf8.RuneCountInString(w); n >= conf.WordLenMin && n < conf.WordLenMax {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("no words of length [%d, %d)", conf.WordLenMin, conf.WordLenMax)
	}
	if conf.NumberMax <= conf.NumberMin {
		return nil, fmt.Errorf("invalid number range [%d, %d)", conf.NumberMin, conf.NumberMax)
	}
	return &PasswordGenerator{words: kept, numMin: conf.NumberMin, numMax: conf.NumberMax}, nil
}

func randInt(max int) (int, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, errors.Wrap(err, "reading random number")
	}
	return int(n.Int64()), nil
}

func (g *PasswordGenerator) Generate() (string, error) {
	wi, err := randInt(len(g.words))
	if err != nil {
		return "", err
	}
	num, err := randInt(g.numMax - g.numMin)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s_%d", g.words[wi], g.numMin+num), nil
}

const secretAlphabet = "abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RandomSecret returns n characters from an unambiguous alphanumeric alphabet.
func RandomSecret(n int) (string, error) {
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := randInt(len(secretAlphabet))
		if err != nil {
			return "", err
		}
		sb.WriteByte(secretAlphabet[idx])
	}
	return sb.String(), nil
}
