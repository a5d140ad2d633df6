package devid

import "regexp"

// Device IDs look like DAC402110001234: a fixed "D" prefix, two alphanumeric
// generation characters, then nine digits. The first nine characters form the
// generation prefix used for table routing.
var idPattern = regexp.MustCompile(`^D[A-Z0-9]{2}\d{9}$`)

const prefixLen = 9

// Valid reports whether id is a well-formed device identifier.
func Valid(id string) bool {
	return idPattern.MatchString(id)
}

// Usable reports whether id is long enough to key storage and logs by.
// Malformed but non-trivial IDs are still persisted; only near-empty ones
// are rejected outright.
func Usable(id string) bool {
	return len(id) >= 3
}

// GenerationPrefix returns the first nine characters of id, or the whole id
// when it is shorter.
func GenerationPrefix(id string) string {
	if len(id) < prefixLen {
		return id
	}
	return id[:prefixLen]
}
