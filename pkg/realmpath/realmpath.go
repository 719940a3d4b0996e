// Package realmpath validates and normalizes virtual realm paths and maps
// them onto the on-disk layout under a configured root directory.
package realmpath

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// pattern matches a valid virtual path: one or more path segments of
// letters, digits, underscore, dot, or dash, separated by '/'.
var pattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_./-]*$`)

// Validate reports whether vpath is an acceptable virtual realm path: no
// leading slash, no ".." segment, and restricted to the allowed charset.
func Validate(vpath string) error {
	if vpath == "" {
		return fmt.Errorf("realmpath: empty virtual path")
	}
	if strings.HasPrefix(vpath, "/") {
		return fmt.Errorf("realmpath: %q must not have a leading slash", vpath)
	}
	if !pattern.MatchString(vpath) {
		return fmt.Errorf("realmpath: %q contains disallowed characters", vpath)
	}
	for _, seg := range strings.Split(vpath, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("realmpath: %q contains an illegal path segment", vpath)
		}
	}
	return nil
}

// Resolve validates vpath and returns the absolute on-disk file path under
// root: "<root>/<virtual_path>.realm".
func Resolve(root, vpath string) (string, error) {
	if err := Validate(vpath); err != nil {
		return "", err
	}
	full := filepath.Join(root, filepath.FromSlash(vpath)+".realm")
	// filepath.Join cleans ".."; double-check the result is still under root.
	rel, err := filepath.Rel(root, full)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("realmpath: %q escapes realm root", vpath)
	}
	return full, nil
}
