// Package phone normalizes provider-supplied numbers to E.164.
package phone

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrUnparseable is returned for withheld or malformed caller ids.
var ErrUnparseable = errors.New("phone: number not parseable")

// Normalize returns number in E.164 form. Numbers without a leading '+' are
// interpreted in defaultRegion. Validity against numbering plans is not
// enforced: fictional ranges (e.g. 555-01xx) still normalize.
func Normalize(number, defaultRegion string) (string, error) {
	s := strings.TrimSpace(number)
	if s == "" || isWithheld(s) {
		return "", ErrUnparseable
	}
	num, err := phonenumbers.Parse(s, defaultRegion)
	if err != nil {
		return "", ErrUnparseable
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// NormalizeOrRaw is Normalize with a fallback to the trimmed input, for
// keys and logs where an unparseable caller must still be attributed.
func NormalizeOrRaw(number, defaultRegion string) string {
	if n, err := Normalize(number, defaultRegion); err == nil {
		return n
	}
	return strings.TrimSpace(number)
}

func isWithheld(s string) bool {
	switch strings.ToLower(s) {
	case "anonymous", "restricted", "unknown", "private", "unavailable":
		return true
	}
	return false
}
