// Package source resolves Odoo source trees per version under a common root.
package source

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Resolver caches one shallow checkout per version tag under root.
type Resolver struct {
	root   string
	remote string
}

// NewResolver ensures the cache root exists and is accessible.
func NewResolver(root, remote string) (*Resolver, error) {
	if root == "" {
		return nil, fmt.Errorf("source root cannot be empty")
	}
	if remote == "" {
		return nil, fmt.Errorf("source remote cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create source root: %w", err)
	}
	return &Resolver{root: root, remote: remote}, nil
}

// Dir returns the checkout directory for a version without fetching.
func (r *Resolver) Dir(version string) string {
	return filepath.Join(r.root, version)
}

// Resolved reports whether a usable checkout already exists for the version.
func (r *Resolver) Resolved(version string) bool {
	info, err := os.Stat(filepath.Join(r.Dir(version), "odoo-bin"))
	return err == nil && !info.IsDir()
}

// Ensure returns the local tree for a version, fetching it when absent.
// A fetch failure leaves no partial checkout behind.
func (r *Resolver) Ensure(ctx context.Context, version string) (string, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return "", fmt.Errorf("version cannot be empty")
	}
	dir := r.Dir(version)
	if r.Resolved(version) {
		return dir, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear stale checkout: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkout dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", "--branch", version, r.remote, ".")
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", fmt.Errorf("git clone %s@%s failed: %w: %s", r.remote, version, err, string(output))
	}
	return dir, nil
}
