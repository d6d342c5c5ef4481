// Package vault implements the destinations of local backups.
package vault

import (
	"fmt"
	"strings"
)

// validateName rejects names that could escape their directory or key
// prefix. Media names are hex and snapshot names are fixed words, so
// anything else is a caller bug.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid vault object name %q", name)
	}
	return nil
}
