// Package vpa maps pool identifiers to virtual payment addresses and back.
// Nothing in here touches storage; existence checks are passed in.
package vpa

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"

	"github.com/vpagate/vpagate/internal/domain"
)

const (
	// Alphabet is the identifier character set, in index order.
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// CodeLength is the fixed identifier length.
	CodeLength = 5

	DefaultPrefix = "pay."
	DefaultSuffix = "@vpagate"
)

// SpaceSize is the number of distinct identifiers (36^5).
var SpaceSize = func() int {
	n := 1
	for i := 0; i < CodeLength; i++ {
		n *= len(Alphabet)
	}
	return n
}()

var codeRe = regexp.MustCompile(`^[A-Z0-9]{5}$`)

// TakenFunc reports whether an identifier is already reserved or issued.
type TakenFunc func(ctx context.Context, code string) (bool, error)

// Codec formats and parses addresses of the shape prefix+code+suffix.
type Codec struct {
	prefix string
	suffix string
	re     *regexp.Regexp
}

func NewCodec(prefix, suffix string) *Codec {
	return &Codec{
		prefix: prefix,
		suffix: suffix,
		re: regexp.MustCompile(
			"^" + regexp.QuoteMeta(prefix) + "([A-Z0-9]{5})" + regexp.QuoteMeta(suffix) + "$",
		),
	}
}

// Format returns the address for code. The code is not validated; callers
// hold codes that came out of the pool.
func (c *Codec) Format(code string) string {
	return c.prefix + code + c.suffix
}

// ValidateFormat reports whether addr has exactly the prefix, a valid code
// and the suffix.
func (c *Codec) ValidateFormat(addr string) bool {
	return c.re.MatchString(addr)
}

// Extract recovers the identifier that produced addr. Anything that is not
// an exact match fails with domain.ErrFormat.
func (c *Codec) Extract(addr string) (string, error) {
	m := c.re.FindStringSubmatch(addr)
	if m == nil {
		return "", fmt.Errorf("%w: %q is not a valid payment address", domain.ErrFormat, addr)
	}
	return m[1], nil
}

// Alternatives suggests up to count free addresses close to base. It first
// walks the last character of base through the alphabet, then falls back to
// random codes until count are found or the generation cap is hit.
func (c *Codec) Alternatives(ctx context.Context, base string, count int, taken TakenFunc) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	if !ValidCode(base) {
		return nil, fmt.Errorf("%w: invalid identifier %q", domain.ErrFormat, base)
	}

	limit := count * 50
	if limit < 100 {
		limit = 100
	}

	seen := map[string]bool{base: true}
	var out []string
	generated := 0

	try := func(code string) error {
		if seen[code] {
			return nil
		}
		seen[code] = true
		generated++
		used, err := taken(ctx, code)
		if err != nil {
			return fmt.Errorf("check %s: %w", code, err)
		}
		if !used {
			out = append(out, c.Format(code))
		}
		return nil
	}

	stem := base[:CodeLength-1]
	for i := 0; i < len(Alphabet) && len(out) < count; i++ {
		if err := try(stem + string(Alphabet[i])); err != nil {
			return out, err
		}
	}

	for len(out) < count && generated < limit {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err := try(RandomCode()); err != nil {
			return out, err
		}
	}
	return out, nil
}

// ValidCode reports whether s is a well-formed identifier.
func ValidCode(s string) bool {
	return codeRe.MatchString(s)
}

// RandomCode returns a uniformly random identifier.
func RandomCode() string {
	return CodeAt(rand.IntN(SpaceSize))
}

// CodeAt returns the i-th identifier in alphabet order, wrapping modulo the
// code space.
func CodeAt(i int) string {
	i %= SpaceSize
	if i < 0 {
		i += SpaceSize
	}
	buf := make([]byte, CodeLength)
	for pos := CodeLength - 1; pos >= 0; pos-- {
		buf[pos] = Alphabet[i%len(Alphabet)]
		i /= len(Alphabet)
	}
	return string(buf)
}
