package block

import (
	"fmt"
	"strings"

	"roci.dev/fracdex"
)

const keyDigits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// smallestInteger is the one integer part fracdex refuses to generate keys
// below.
const smallestInteger = "A00000000000000000000000000"

// KeyBetween returns a position key strictly between a and b. An empty a
// means the start of the document, an empty b its end.
func KeyBetween(a, b string) (string, error) {
	key, err := fracdex.KeyBetween(a, b)
	if err != nil {
		return "", fmt.Errorf("%w: position between %q and %q: %v", ErrInvalidOperation, a, b, err)
	}
	return key, nil
}

// ValidKey reports whether k is a well-formed fractional index: an integer
// part whose length is given by its head character, then a base-62
// fraction without trailing zeros.
func ValidKey(k string) bool {
	if k == "" || k == smallestInteger {
		return false
	}
	for i := 0; i < len(k); i++ {
		if strings.IndexByte(keyDigits, k[i]) < 0 {
			return false
		}
	}
	var n int
	switch head := k[0]; {
	case head >= 'a' && head <= 'z':
		n = int(head-'a') + 2
	case head >= 'A' && head <= 'Z':
		n = int('Z'-head) + 2
	default:
		return false
	}
	if len(k) < n {
		return false
	}
	return !strings.HasSuffix(k[n:], "0")
}
