package classifier

import (
	"strings"
	"unicode"

	"github.com/aegisshield/guarddog/internal/catalog"
)

// Mask returns the redacted form of a single matched value. At most the last
// four digits of a numeric identifier survive.
func Mask(kind catalog.MaskKind, value string) string {
	switch kind {
	case catalog.MaskSSN:
		return "***-**-" + lastDigits(value, 4)
	case catalog.MaskCreditCard:
		return "****-****-****-" + lastDigits(value, 4)
	case catalog.MaskEmail:
		return "[EMAIL_REDACTED]"
	case catalog.MaskPhone:
		return "***-***-" + lastDigits(value, 4)
	case catalog.MaskAddress:
		return "[ADDRESS_REDACTED]"
	case catalog.MaskName:
		return "[NAME_REDACTED]"
	case catalog.MaskIBAN:
		return "****" + lastAlnum(value, 4)
	case catalog.MaskIP:
		return "[IP_REDACTED]"
	}
	return "[REDACTED]"
}

// MaskAll masks every value and joins the results
func MaskAll(kind catalog.MaskKind, values []string) string {
	masked := make([]string, len(values))
	for i, v := range values {
		masked[i] = Mask(kind, v)
	}
	return strings.Join(masked, ", ")
}

func lastDigits(s string, n int) string {
	return lastRunes(s, n, unicode.IsDigit)
}

func lastAlnum(s string, n int) string {
	return lastRunes(s, n, func(r rune) bool { return unicode.IsDigit(r) || unicode.IsLetter(r) })
}

func lastRunes(s string, n int, keep func(rune) bool) string {
	out := make([]rune, 0, n)
	rs := []rune(s)
	for i := len(rs) - 1; i >= 0 && len(out) < n; i-- {
		if keep(rs[i]) {
			out = append(out, rs[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}
