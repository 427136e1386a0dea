// Package workspace maps account and repository pairs to local working
// directories and stages source files into their uploads folder.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/otiai10/copy"

	"github.com/rancher/git-uploader/internal/pathpolicy"
)

// Resolver lays workspaces out as <Root>/<accountID>/<owner>_<name>.
type Resolver struct {
	Root string
}

// NewResolver returns a Resolver rooted at root.
func NewResolver(root string) *Resolver {
	return &Resolver{Root: root}
}

// GetWorkspacePath returns the deterministic workspace directory for the pair.
func (r *Resolver) GetWorkspacePath(accountID, repoFullName string) string {
	safe := strings.ReplaceAll(repoFullName, "/", "_")
	return filepath.Join(r.Root, accountID, safe)
}

// UploadsDir returns the uploads folder inside workspacePath without creating it.
func UploadsDir(workspacePath string) string {
	return filepath.Join(workspacePath, pathpolicy.UploadsSegment)
}

// EnsureUploadsFolder creates the uploads folder if needed and returns its path.
func (r *Resolver) EnsureUploadsFolder(workspacePath string) (string, error) {
	uploads := UploadsDir(workspacePath)
	if err := os.MkdirAll(uploads, 0o755); err != nil {
		return "", fmt.Errorf("create uploads folder: %w", err)
	}
	return uploads, nil
}

// ProvisionalRepoPath returns the repository-relative path targetFileName would
// receive if it were copied now. Nothing is written.
func (r *Resolver) ProvisionalRepoPath(workspacePath, targetFileName string) string {
	unique := pathpolicy.GetUniqueFileName(UploadsDir(workspacePath), targetFileName)
	return pathpolicy.UploadsPrefix + unique
}

// CopyToUploads copies sourceFilePath into the uploads folder under a unique
// variant of targetFileName and returns the repository-relative path.
func (r *Resolver) CopyToUploads(workspacePath, sourceFilePath, targetFileName string) (string, error) {
	uploads, err := r.EnsureUploadsFolder(workspacePath)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(sourceFilePath)
	if err != nil {
		return "", fmt.Errorf("read source %s: %w", sourceFilePath, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("read source %s: is a directory", sourceFilePath)
	}

	unique := pathpolicy.GetUniqueFileName(uploads, targetFileName)
	dest := filepath.Join(uploads, unique)

	opts := copy.Options{
		Sync: true,
		// Symlinked sources are uploaded as the file they point to.
		OnSymlink: func(string) copy.SymlinkAction { return copy.Deep },
	}
	if err := copy.Copy(sourceFilePath, dest, opts); err != nil {
		return "", fmt.Errorf("copy %s to %s: %w", sourceFilePath, dest, err)
	}

	return pathpolicy.UploadsPrefix + unique, nil
}
