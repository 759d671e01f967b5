package definition

import (
	"strconv"
	"strings"
)

// decimal is a number in normalized scientific form: 0.digits × 10^exp,
// where digits has no leading or trailing zeros. Zero has empty digits.
// Comparison works on the digit text, so an exponent such as 1e9999999 is
// never expanded.
type decimal struct {
	neg    bool
	digits string
	exp    int64
}

// maxExponent bounds the written exponent so exp arithmetic cannot overflow.
const maxExponent = 1 << 60

// parseDecimal parses a JSON-style number: optional sign, digits with an
// optional fraction, optional exponent.
func parseDecimal(s string) (decimal, bool) {
	var d decimal
	if s == "" {
		return d, false
	}
	switch s[0] {
	case '-':
		d.neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	mantissa, expText := s, ""
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		mantissa, expText = s[:i], s[i+1:]
	}
	intPart, fracPart := mantissa, ""
	if i := strings.IndexByte(mantissa, '.'); i >= 0 {
		intPart, fracPart = mantissa[:i], mantissa[i+1:]
	}
	if intPart == "" && fracPart == "" {
		return d, false
	}
	if !allDigits(intPart) || !allDigits(fracPart) {
		return d, false
	}

	var exp int64
	if expText != "" {
		e, err := strconv.ParseInt(expText, 10, 64)
		if err != nil || e > maxExponent || e < -maxExponent {
			return d, false
		}
		exp = e
	}

	digits := intPart + fracPart
	exp += int64(len(intPart))
	trimmed := strings.TrimLeft(digits, "0")
	exp -= int64(len(digits) - len(trimmed))
	d.digits = strings.TrimRight(trimmed, "0")
	d.exp = exp
	if d.digits == "" {
		d.neg = false
		d.exp = 0
	}
	return d, true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// cmp returns -1, 0 or +1 as d is less than, equal to or greater than o.
func (d decimal) cmp(o decimal) int {
	ds, os := d.sign(), o.sign()
	if ds != os {
		if ds < os {
			return -1
		}
		return 1
	}
	if ds == 0 {
		return 0
	}
	var mag int
	switch {
	case d.exp != o.exp:
		mag = 1
		if d.exp < o.exp {
			mag = -1
		}
	default:
		mag = strings.Compare(d.digits, o.digits)
	}
	return mag * ds
}

func (d decimal) sign() int {
	switch {
	case d.digits == "":
		return 0
	case d.neg:
		return -1
	default:
		return 1
	}
}
