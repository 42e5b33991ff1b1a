package utils

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitRoot resolves the repository root containing startDir (cwd when empty).
// Prefers the git CLI, then falls back to walking up looking for .git.
func GitRoot(startDir string) (string, error) {
	if startDir == "" {
		var err error
		startDir, err = os.Getwd()
		if err != nil {
			return "", err
		}
	}
	startDir = filepath.Clean(startDir)

	if gitPath, err := exec.LookPath("git"); err == nil && gitPath != "" {
		cmd := exec.Command(gitPath, "-C", startDir, "rev-parse", "--show-toplevel")
		out, err := cmd.Output()
		if err == nil {
			root := strings.TrimSpace(string(bytes.TrimSpace(out)))
			if root != "" {
				return root, nil
			}
		}
		// not a repo per git; fall through to the filesystem walk
	}

	for dir := startDir; ; dir = filepath.Dir(dir) {
		if dir == filepath.Dir(dir) { // reached filesystem root
			break
		}
		// .git may be a directory (normal repo) or a file (worktree);
		// either way the containing directory is the root.
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
	}

	return "", errors.New("not inside a git repository")
}
