package workspace

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Workspace is an isolated, branch-scoped checkout used by exactly one run
type Workspace struct {
	Path   string
	Branch string
}

// Manager handles git worktree operations for run workspaces
type Manager struct {
	repoDir      string
	workspaceDir string
	baseBranch   string
	remote       string
}

// NewManager creates a new Manager. baseBranch is the branch each
// workspace starts from (usually "main").
func NewManager(repoDir, workspaceDir, baseBranch string) *Manager {
	if baseBranch == "" {
		baseBranch = "main"
	}
	return &Manager{
		repoDir:      repoDir,
		workspaceDir: workspaceDir,
		baseBranch:   baseBranch,
		remote:       "origin",
	}
}

// Create provisions a fresh worktree and branch for a run against the
// given issue. The directory and branch names carry a short issue id
// plus a creation timestamp so repeated runs for the same issue never
// collide. Workspace creation failure is fatal for the run.
func (m *Manager) Create(issueID string) (Workspace, error) {
	if err := os.MkdirAll(m.workspaceDir, 0755); err != nil {
		return Workspace{}, fmt.Errorf("creating workspace dir: %w", err)
	}

	name := fmt.Sprintf("run-%s-%s", shortID(issueID), time.Now().UTC().Format("20060102-150405"))
	branch := "fix/" + name
	path := filepath.Join(m.workspaceDir, name)

	// Best-effort refresh of the base branch; local state is fine if
	// the remote is unreachable.
	if out, err := m.git(m.repoDir, "fetch", m.remote, m.baseBranch); err != nil {
		log.Printf("workspace: fetch %s/%s failed, using local state: %s", m.remote, m.baseBranch, strings.TrimSpace(string(out)))
	}

	base := m.remote + "/" + m.baseBranch
	if _, err := m.git(m.repoDir, "rev-parse", "--verify", base); err != nil {
		base = m.baseBranch
		if _, err := m.git(m.repoDir, "rev-parse", "--verify", base); err != nil {
			base = "HEAD"
		}
	}

	if out, err := m.git(m.repoDir, "worktree", "add", "-b", branch, path, base); err != nil {
		return Workspace{}, fmt.Errorf("git worktree add: %s: %w", strings.TrimSpace(string(out)), err)
	}

	return Workspace{Path: path, Branch: branch}, nil
}

// Destroy removes a workspace. Failures are logged, never returned:
// cleanup must not block run completion.
func (m *Manager) Destroy(path string) {
	if path == "" {
		return
	}

	// Grab the branch before the checkout goes away
	var branch string
	if out, err := m.git(path, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		branch = strings.TrimSpace(string(out))
	}

	if out, err := m.git(m.repoDir, "worktree", "remove", "--force", path); err != nil {
		log.Printf("workspace: git worktree remove %s: %s", path, strings.TrimSpace(string(out)))
		if err := os.RemoveAll(path); err != nil {
			log.Printf("workspace: removing %s: %v", path, err)
		}
	}

	if branch != "" && branch != "HEAD" {
		m.git(m.repoDir, "branch", "-D", branch)
	}

	m.prune()
}

// SweepOrphaned removes workspaces older than maxAge and returns how
// many were removed. Covers workspaces left behind by crashes.
func (m *Manager) SweepOrphaned(maxAge time.Duration) int {
	entries, err := os.ReadDir(m.workspaceDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("workspace: listing %s: %v", m.workspaceDir, err)
		}
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "run-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > maxAge {
			m.Destroy(filepath.Join(m.workspaceDir, entry.Name()))
			removed++
		}
	}

	m.prune()
	return removed
}

// DestroyAll removes every managed workspace; used during shutdown
func (m *Manager) DestroyAll() {
	entries, err := os.ReadDir(m.workspaceDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("workspace: listing %s: %v", m.workspaceDir, err)
		}
		return
	}

	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "run-") {
			m.Destroy(filepath.Join(m.workspaceDir, entry.Name()))
		}
	}
}

// List returns the paths of all managed workspaces
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.workspaceDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "run-") {
			paths = append(paths, filepath.Join(m.workspaceDir, entry.Name()))
		}
	}
	return paths, nil
}

func (m *Manager) prune() {
	if out, err := m.git(m.repoDir, "worktree", "prune"); err != nil {
		log.Printf("workspace: git worktree prune: %s", strings.TrimSpace(string(out)))
	}
}

func (m *Manager) git(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// shortID reduces an issue id to a filesystem- and ref-safe prefix
func shortID(issueID string) string {
	var b strings.Builder
	for _, r := range issueID {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
		if b.Len() == 12 {
			break
		}
	}
	if b.Len() == 0 {
		return "task"
	}
	return b.String()
}
