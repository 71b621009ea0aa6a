package util

import (
	"crypto/rand"
	"math/big"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	urlAlphabet  = "abcdefghijklmnopqrstuvwxyz0123456789"
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"
)

// GenURL returns a random lowercase custom URL not yet taken according to exists.
func GenURL(prefix string, length int, exists func(string) (bool, error)) (string, error) {
	for retry := 0; retry < 5; retry++ {
		s, err := randomString(urlAlphabet, length)
		if err != nil {
			return "", err
		}
		id := prefix + s
		taken, err := exists(id)
		if err != nil {
			return "", err
		}
		if !taken {
			return id, nil
		}
	}
	return "", errors.New("url collision after 5 retries")
}

// GenEditCode is handed back to users who create a paste without an edit password.
func GenEditCode() (string, error) {
	return randomString(codeAlphabet, 24)
}

func NewSessionID() string {
	return uuid.NewString()
}

func randomString(alphabet string, n int) (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", errors.Wrap(err, "rand fail")
		}
		out[i] = alphabet[v.Int64()]
	}
	return string(out), nil
}
