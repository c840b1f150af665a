package vfs

import (
	"fmt"
	"strings"
)

// SystemCaller is the reserved identity with write access to every zone.
const SystemCaller = "SYSTEM"

// IsReservedCaller reports whether name collides with SystemCaller.
func IsReservedCaller(name string) bool {
	return strings.EqualFold(name, SystemCaller)
}

// CheckContextName rejects names that cannot own a context: the reserved
// SystemCaller identity in any letter case, and names that are not a single
// path segment.
func CheckContextName(name string) error {
	if IsReservedCaller(name) {
		return fmt.Errorf("%w: context name '%s' is reserved", ErrPermission, name)
	}
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: context name '%s'", ErrInvalidPath, name)
	}
	return nil
}

// CheckRead always succeeds; every zone is world-readable.
func CheckRead(string, Path) error {
	return nil
}

// CheckWrite enforces zone ownership.
func CheckWrite(caller string, p Path) error {
	if caller == SystemCaller {
		return nil
	}
	s := p.String()
	if s == "/shared" || strings.HasPrefix(s, "/shared/") {
		return nil
	}
	if rest, ok := strings.CutPrefix(s, "/home/"); ok {
		owner, _, _ := strings.Cut(rest, "/")
		if owner != "" && owner == caller {
			return nil
		}
	}
	return fmt.Errorf("%w: context '%s' cannot write to '%s' (writable zones: /shared/, /home/%s/)", ErrPermission, caller, s, caller)
}
