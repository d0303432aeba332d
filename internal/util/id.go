package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string used as job identifier and working directory name.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether s is a canonical UUID string. It keeps caller-supplied
// ids from escaping the jobs directory.
func ValidID(s string) bool {
	if len(s) != 36 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
