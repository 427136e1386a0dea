// Package pathpolicy defines where uploaded files live inside a repository and how
// their names are made safe and collision free.
package pathpolicy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// UploadsSegment is the repository folder every uploaded file is placed under.
const UploadsSegment = "uploads"

// UploadsPrefix is UploadsSegment followed by the forward-slash separator.
const UploadsPrefix = UploadsSegment + "/"

const (
	emptyFileName = "file"

	// maxNumberedAttempts bounds the "name (N).ext" probe before falling back to a random suffix.
	maxNumberedAttempts = 9999
)

// Control characters plus everything that is a separator, wildcard, or quoting
// character on common filesystems and shells.
var disallowedNameChars = regexp.MustCompile(`[\x00-\x1f/\\:*?"<>|]`)

// CleanFileName reduces name to its final path element and replaces every
// disallowed character with an underscore. Blank results become "file".
func CleanFileName(name string) string {
	if strings.TrimSpace(name) == "" {
		return emptyFileName
	}

	base := name
	if idx := strings.LastIndexAny(base, `/\`); idx >= 0 {
		base = base[idx+1:]
	}

	base = disallowedNameChars.ReplaceAllString(base, "_")

	trimmed := strings.TrimSpace(base)
	if trimmed == "" || trimmed == "." || trimmed == ".." {
		return emptyFileName
	}

	return base
}

// ToRepoPath returns the repository-relative path for name. The result always
// uses forward slashes and always starts with UploadsPrefix.
func ToRepoPath(name string) string {
	return UploadsPrefix + CleanFileName(name)
}

// GetUniqueFileName returns a cleaned version of desiredName that does not exist in
// directory. Collisions are resolved as "stem (2).ext", "stem (3).ext", ... and, once
// the numbered range is exhausted, "stem_<8 hex>.ext".
func GetUniqueFileName(directory, desiredName string) string {
	clean := CleanFileName(desiredName)
	if !exists(filepath.Join(directory, clean)) {
		return clean
	}

	ext := filepath.Ext(clean)
	stem := strings.TrimSuffix(clean, ext)

	for i := 2; i <= maxNumberedAttempts; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if !exists(filepath.Join(directory, candidate)) {
			return candidate
		}
	}

	return stem + "_" + randomSuffix() + ext
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	if err == nil {
		return true
	}
	// Stat errors other than not-exist count as taken.
	return !errors.Is(err, fs.ErrNotExist)
}
