// SPDX-License-Identifier: MIT

package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// ErrInvalidLogLevel is returned by ParseLogLevel.
var ErrInvalidLogLevel = errors.New("invalid log level")

var logLevels = []string{"trace", "debug", "info", "warn", "error"}

// ParseLogLevel maps a configured level onto zerolog, case-insensitively.
// Levels that would hide warnings (fatal, panic, disabled) are rejected.
func ParseLogLevel(s string) (zerolog.Level, error) {
	for _, name := range logLevels {
		if strings.EqualFold(s, name) {
			return zerolog.ParseLevel(name)
		}
	}
	return zerolog.NoLevel, fmt.Errorf("%w %q (must be one of %s)", ErrInvalidLogLevel, s, strings.Join(logLevels, ", "))
}

var entityIDPattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)

// IsEntityID reports whether s has the Home Assistant entity id shape
// domain.object_id: lowercase letters, digits and underscores, with neither
// part starting or ending in an underscore.
func IsEntityID(s string) bool {
	if !entityIDPattern.MatchString(s) {
		return false
	}
	domain, object, _ := strings.Cut(s, ".")
	for _, part := range []string{domain, object} {
		if strings.HasPrefix(part, "_") || strings.HasSuffix(part, "_") {
			return false
		}
	}
	return true
}
