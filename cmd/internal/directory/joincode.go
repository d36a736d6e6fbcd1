package directory

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

const (
	joinCodeLen      = 6
	joinCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var joinCodeRE = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// NewJoinCode returns a random 6-character uppercase alphanumeric code.
func NewJoinCode() (string, error) {
	radix := big.NewInt(int64(len(joinCodeAlphabet)))
	var b strings.Builder
	b.Grow(joinCodeLen)
	for i := 0; i < joinCodeLen; i++ {
		n, err := rand.Int(rand.Reader, radix)
		if err != nil {
			return "", err
		}
		b.WriteByte(joinCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeJoinCode trims and uppercases code, reporting whether the result is well-formed.
func NormalizeJoinCode(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	return code, joinCodeRE.MatchString(code)
}
