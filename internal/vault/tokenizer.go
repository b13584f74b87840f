package vault

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// RawCard is sensitive card input. It is never persisted.
type RawCard struct {
	Number   string
	ExpMonth int
	ExpYear  int
	CVC      string
	Holder   string
}

// IssuedToken is what a Tokenizer returns for a raw instrument.
type IssuedToken struct {
	Token       string
	Brand       string
	Last4       string
	Fingerprint string
}

// Tokenizer exchanges raw instrument data for an opaque token.
type Tokenizer interface {
	IssueToken(ctx context.Context, card RawCard) (IssuedToken, error)
}

// LocalTokenizer validates cards locally and derives a keyed fingerprint so the
// same card can be recognised without storing its number.
type LocalTokenizer struct {
	key [32]byte
	now func() time.Time
}

// NewLocalTokenizer builds a tokenizer keyed by secret.
func NewLocalTokenizer(secret string) *LocalTokenizer {
	return &LocalTokenizer{key: blake2b.Sum256([]byte(secret)), now: time.Now}
}

// IssueToken validates the card and returns token metadata.
func (t *LocalTokenizer) IssueToken(_ context.Context, card RawCard) (IssuedToken, error) {
	number := digitsOnly(card.Number)
	if len(number) < 12 || len(number) > 19 || !luhnValid(number) {
		return IssuedToken{}, fmt.Errorf("%w: number", ErrInvalidCard)
	}
	if card.ExpMonth < 1 || card.ExpMonth > 12 {
		return IssuedToken{}, fmt.Errorf("%w: expiry month", ErrInvalidCard)
	}
	cvc := strings.TrimSpace(card.CVC)
	if len(cvc) < 3 || len(cvc) > 4 || digitsOnly(cvc) != cvc {
		return IssuedToken{}, fmt.Errorf("%w: cvc", ErrInvalidCard)
	}

	year := card.ExpYear
	if year < 100 {
		year += 2000
	}
	now := t.now().UTC()
	if year < now.Year() || (year == now.Year() && card.ExpMonth < int(now.Month())) {
		return IssuedToken{}, ErrCardExpired
	}

	h, err := blake2b.New256(t.key[:])
	if err != nil {
		return IssuedToken{}, err
	}
	h.Write([]byte(number))

	return IssuedToken{
		Token:       "tok_" + uuid.NewString(),
		Brand:       cardBrand(number),
		Last4:       number[len(number)-4:],
		Fingerprint: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
		default:
			return ""
		}
	}
	return b.String()
}

func luhnValid(number string) bool {
	sum := 0
	double := false
	for i := len(number) - 1; i >= 0; i-- {
		d := int(number[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func cardBrand(number string) string {
	switch {
	case strings.HasPrefix(number, "4"):
		return "visa"
	case strings.HasPrefix(number, "34"), strings.HasPrefix(number, "37"):
		return "amex"
	case strings.HasPrefix(number, "6011"), strings.HasPrefix(number, "65"):
		return "discover"
	}
	if len(number) >= 4 {
		prefix, err := strconv.Atoi(number[:4])
		if err == nil && ((prefix >= 5100 && prefix <= 5599) || (prefix >= 2221 && prefix <= 2720)) {
			return "mastercard"
		}
	}
	return "unknown"
}
