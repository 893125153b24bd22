// Package sandbox owns the one directory worker processes may write to, and
// the gate that decides whether a draft is applied to the workspace.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// taskIDSanitizer collapses anything outside [A-Za-z0-9_] to underscores so a
// task id can never smuggle path separators into a filename.
var taskIDSanitizer = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SanitizeTaskID returns the filename-safe form of a task id.
func SanitizeTaskID(taskID string) string {
	return taskIDSanitizer.ReplaceAllString(taskID, "_")
}

// DraftFileName returns the canonical draft name for a source file and task.
func DraftFileName(sourcePath, taskID string) string {
	return filepath.Base(sourcePath) + "." + SanitizeTaskID(taskID) + ".draft"
}

// SubmissionFileName returns the canonical submission name for a task.
func SubmissionFileName(taskID string) string {
	return SanitizeTaskID(taskID) + ".submission.json"
}

// sensitiveNamePatterns refuse reads of credential-bearing files by name.
var sensitiveNamePatterns = []string{".env", "credentials", "secret", ".key", ".pem"}

// ValidateSandboxWrite checks that path is a legal worker write target: it
// must resolve inside the sandbox directory, contain no ".." segments, and
// carry a draft or submission suffix.
func ValidateSandboxWrite(path, sandboxDir string) (string, error) {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q contains a parent-directory segment", path)
		}
	}

	absSandbox, err := filepath.Abs(sandboxDir)
	if err != nil {
		return "", fmt.Errorf("resolve sandbox dir: %w", err)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(absSandbox, path)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(absSandbox, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q resolves outside the sandbox", path)
	}

	base := filepath.Base(abs)
	if !strings.HasSuffix(base, ".draft") && !strings.HasSuffix(base, ".submission.json") {
		return "", fmt.Errorf("path %q is not a .draft or .submission.json file", path)
	}
	return abs, nil
}

// ValidateSourceRead checks that path is a readable workspace source file: it
// must resolve inside the workspace root, exist as a regular file, and not
// look like a credential file.
func ValidateSourceRead(path, workspaceRoot string) (string, error) {
	absRoot, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(absRoot, path)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(absRoot, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q resolves outside the workspace", path)
	}

	lower := strings.ToLower(filepath.Base(abs))
	for _, pattern := range sensitiveNamePatterns {
		if strings.Contains(lower, pattern) {
			return "", fmt.Errorf("path %q matches sensitive pattern %q", path, pattern)
		}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("source file %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("source %q is not a regular file", path)
	}
	return abs, nil
}
