package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxFilenameLength = 256

// ErrInvalidFilename indicates the requested name contains path
// separators, parent references, or is otherwise unsafe to write.
var ErrInvalidFilename = errors.New("invalid filename")

// ValidateFilename ensures a received filename is a plain base name.
func ValidateFilename(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidFilename
	}
	if strings.ContainsAny(name, "/\\") {
		return ErrInvalidFilename
	}
	if len(name) > maxFilenameLength {
		return ErrInvalidFilename
	}
	return nil
}

// UniqueSavePath returns a path under dir for the requested name that
// does not collide with an existing entry. On collision it tries
// "name (1).ext", "name (2).ext", ... with the least unused k. The
// check is made at call time; callers race only at the OS layer.
func UniqueSavePath(dir, requested string) (string, error) {
	if err := ValidateFilename(requested); err != nil {
		return "", err
	}

	candidate := filepath.Join(dir, requested)
	if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
		return candidate, nil
	}

	ext := filepath.Ext(requested)
	stem := strings.TrimSuffix(requested, ext)
	for k := 1; ; k++ {
		name := fmt.Sprintf("%s (%d)%s", stem, k, ext)
		candidate = filepath.Join(dir, name)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
	}
}
