package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ProjectRoot returns the root directory Substrate treats as {projectRoot}
// in spec terms (state db, worktrees, logs, and reports all live under it).
// Priority order:
//  1. SUBSTRATE_PROJECT_ROOT environment variable, if set
//  2. the nearest ancestor directory carrying a .substrate-root marker file
//     or a go.mod belonging to the project being orchestrated
//  3. the current working directory, as a fallback
func ProjectRoot() (string, error) {
	if root := os.Getenv("SUBSTRATE_PROJECT_ROOT"); root != "" {
		return root, nil
	}

	if root, err := findProjectRoot(); err == nil && root != "" {
		return root, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return cwd, nil
}

func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	current := cwd
	for {
		markerPath := filepath.Join(current, ".substrate-root")
		if _, err := os.Stat(markerPath); err == nil {
			return current, nil
		}
		if _, err := os.Stat(filepath.Join(current, "go.mod")); err == nil {
			return current, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return "", fmt.Errorf("project root not found (looking for .substrate-root or go.mod)")
}

// SubstrateDir returns {projectRoot}/.substrate, creating it if necessary.
func SubstrateDir(projectRoot string) (string, error) {
	dir := filepath.Join(projectRoot, ".substrate")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create substrate dir: %w", err)
	}
	return dir, nil
}

// hasPrefix is used by task type lookups that fall back to a family default
// (e.g. an unregistered type like "coding-backend" inherits "coding"'s
// timeout/turn defaults when no exact entry exists).
func hasPrefix(taskType, family string) bool {
	return strings.HasPrefix(taskType, family+"-")
}
