package discovery

import (
	"fmt"
	"regexp"
)

// DefaultIDLength is the length of upstream item identifiers.
const DefaultIDLength = 11

// mixedClass matches a character a random base64url identifier almost always
// has and a lowercase slug or CSS class fragment never has.
var mixedClass = regexp.MustCompile(`[A-Z0-9]`)

// Validator is the single gate every candidate identifier passes before it
// reaches a Result.
//
// Besides the ^[A-Za-z0-9_-]{N}$ format, an identifier must contain at least
// one digit or uppercase letter, so all-lowercase strings of the right length
// (slugs, class names) are rejected even though they match the format.
type Validator struct {
	pattern *regexp.Regexp
}

// NewValidator accepts identifiers of exactly length characters from
// [A-Za-z0-9_-] that contain at least one digit or uppercase letter.
// A non-positive length selects DefaultIDLength.
func NewValidator(length int) *Validator {
	if length <= 0 {
		length = DefaultIDLength
	}
	return &Validator{pattern: regexp.MustCompile(fmt.Sprintf(`^[A-Za-z0-9_-]{%d}$`, length))}
}

// Valid reports whether id has the identifier format.
func (v *Validator) Valid(id string) bool {
	return v.pattern.MatchString(id) && mixedClass.MatchString(id)
}

// Filter returns the valid candidates in order and the number rejected.
func (v *Validator) Filter(candidates []string) ([]string, int) {
	accepted := make([]string, 0, len(candidates))
	rejected := 0
	for _, id := range candidates {
		if v.Valid(id) {
			accepted = append(accepted, id)
		} else {
			rejected++
		}
	}
	return accepted, rejected
}
