// Package sandbox resolves job output directories against a configured
// root and refuses anything that could escape it (spec.md §4.5).
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathViolation is returned whenever a requested output_dir cannot be
// safely resolved inside the sandbox root.
var ErrPathViolation = errors.New("output_dir violates the sandbox root")

// Resolve validates requested against dataRoot and returns the absolute,
// sandboxed final directory. requested must be relative, free of ".."
// segments and NUL bytes, and must not lexically or (if it already exists)
// by realpath escape dataRoot. fallback is used when requested is empty.
func Resolve(dataRoot string, requested string, fallback string) (string, error) {
	root, err := filepath.Abs(dataRoot)
	if err != nil {
		return "", fmt.Errorf("%w: invalid data root: %v", ErrPathViolation, err)
	}

	target := requested
	if target == "" {
		target = fallback
	}

	if filepath.IsAbs(target) {
		return "", fmt.Errorf("%w: output_dir must be relative", ErrPathViolation)
	}
	if strings.ContainsRune(target, 0) {
		return "", fmt.Errorf("%w: output_dir contains a NUL byte", ErrPathViolation)
	}
	for _, part := range strings.Split(filepath.ToSlash(target), "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: output_dir contains a .. segment", ErrPathViolation)
		}
	}

	joined := filepath.Join(root, target)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: output_dir resolves outside the sandbox root", ErrPathViolation)
	}

	if resolved, err := filepath.EvalSymlinks(joined); err == nil {
		if resolved != cleanRoot && !strings.HasPrefix(resolved, cleanRoot+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: output_dir resolves outside the sandbox root via symlink", ErrPathViolation)
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("%w: realpath check failed: %v", ErrPathViolation, err)
	}

	return joined, nil
}

// CreateExclusive creates dir, failing if it already exists. Two jobs must
// never share an output_dir concurrently (spec.md §5): the exclusive
// mkdir is the reservation.
func CreateExclusive(dir string) error {
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrPathConflict, dir)
		}
		if parent := filepath.Dir(dir); parent != dir {
			if mkErr := os.MkdirAll(parent, 0o755); mkErr == nil {
				if retryErr := os.Mkdir(dir, 0o755); retryErr == nil {
					return nil
				} else if os.IsExist(retryErr) {
					return fmt.Errorf("%w: %s", ErrPathConflict, dir)
				} else {
					return retryErr
				}
			}
		}
		return err
	}
	return nil
}

// ErrPathConflict is returned when an output_dir is already in use by
// another job.
var ErrPathConflict = errors.New("output_dir already reserved by another job")
