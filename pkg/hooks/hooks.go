// Package hooks executes the repository's pre-commit, post-commit,
// pre-revprop-change, and post-revprop-change hook scripts.
package hooks

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrHookRejected is returned when a pre-* hook exits non-zero.
var ErrHookRejected = errors.New("hooks: rejected by hook")

// FileAction labels a single path's change for the pre-commit payload.
type FileAction struct {
	Action string // "A", "M", or "D"
	Path   string
}

// Manager executes hook scripts living under <repoRoot>/hooks/.
type Manager struct {
	repoRoot string
	hooksDir string
	log      *logrus.Entry
}

// New builds a Manager for a repository rooted at repoRoot.
func New(repoRoot string, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		repoRoot: repoRoot,
		hooksDir: filepath.Join(repoRoot, "hooks"),
		log:      log,
	}
}

// EnsureHooksDir creates the hooks directory if it does not yet exist.
func (m *Manager) EnsureHooksDir() error {
	return os.MkdirAll(m.hooksDir, 0o755)
}

func (m *Manager) hookPath(name string) string {
	return filepath.Join(m.hooksDir, name)
}

// runHook executes the named hook if present, piping stdinData to it. A
// missing hook is treated as "allow". A non-zero exit returns an error
// carrying the hook's stderr (falling back to stdout, then the exit code).
func (m *Manager) runHook(name string, stdinData string) error {
	path := m.hookPath(name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "hooks: stat %s", name)
	}
	if info.Mode()&0o111 == 0 {
		return nil
	}

	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), "DSVN_REPO="+m.repoRoot)
	cmd.Stdin = strings.NewReader(stdinData)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return errors.Wrapf(err, "hooks: exec %s", name)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = fmt.Sprintf("hook %q exited with code %d", name, exitErr.ExitCode())
		}
		return errors.Wrapf(ErrHookRejected, "%s: %s", name, msg)
	}
	return nil
}

// RunPreCommit runs the pre-commit hook, piping it the pending revision's
// author, date, log message, and per-file change actions.
func (m *Manager) RunPreCommit(rev uint64, author, logMsg, date string, files []FileAction) error {
	var b strings.Builder
	fmt.Fprintf(&b, "REVISION: %d\n", rev)
	fmt.Fprintf(&b, "AUTHOR: %s\n", author)
	fmt.Fprintf(&b, "DATE: %s\n", date)
	fmt.Fprintf(&b, "LOG: %s\n", logMsg)
	b.WriteString("FILES:\n")
	for _, f := range files {
		fmt.Fprintf(&b, "%s %s\n", f.Action, f.Path)
	}
	return m.runHook("pre-commit", b.String())
}

// RunPostCommit runs the post-commit notification hook. Its failure is
// logged at WARN and never returned, since the commit is already durable.
func (m *Manager) RunPostCommit(rev uint64, author, logMsg, date string) {
	var b strings.Builder
	fmt.Fprintf(&b, "REVISION: %d\n", rev)
	fmt.Fprintf(&b, "AUTHOR: %s\n", author)
	fmt.Fprintf(&b, "DATE: %s\n", date)
	fmt.Fprintf(&b, "LOG: %s\n", logMsg)
	if err := m.runHook("post-commit", b.String()); err != nil {
		m.log.WithFields(logrus.Fields{"rev": rev, "hook": "post-commit"}).Warn(err)
	}
}

// RunPreRevpropChange runs the pre-revprop-change hook.
func (m *Manager) RunPreRevpropChange(rev uint64, author, propName, action, propValue string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "REVISION: %d\n", rev)
	fmt.Fprintf(&b, "AUTHOR: %s\n", author)
	fmt.Fprintf(&b, "PROPNAME: %s\n", propName)
	fmt.Fprintf(&b, "ACTION: %s\n", action)
	fmt.Fprintf(&b, "VALUE: %s\n", propValue)
	return m.runHook("pre-revprop-change", b.String())
}

// RunPostRevpropChange runs the post-revprop-change notification hook.
// Failures are logged at WARN and never returned.
func (m *Manager) RunPostRevpropChange(rev uint64, author, propName, action string) {
	var b strings.Builder
	fmt.Fprintf(&b, "REVISION: %d\n", rev)
	fmt.Fprintf(&b, "AUTHOR: %s\n", author)
	fmt.Fprintf(&b, "PROPNAME: %s\n", propName)
	fmt.Fprintf(&b, "ACTION: %s\n", action)
	if err := m.runHook("post-revprop-change", b.String()); err != nil {
		m.log.WithFields(logrus.Fields{"rev": rev, "hook": "post-revprop-change"}).Warn(err)
	}
}
