package hooks

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeHook(t *testing.T, root, name, script string) {
	t.Helper()
	hooksDir := filepath.Join(root, "hooks")
	require.NoError(t, os.MkdirAll(hooksDir, 0o755))
	path := filepath.Join(hooksDir, name)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
}

func TestNoHookAllows(t *testing.T) {
	root := t.TempDir()
	m := New(root, nil)
	err := m.RunPreCommit(1, "alice", "test msg", "2026-01-01T00:00:00Z", nil)
	assert.NoError(t, err)
}

func TestPreCommitAllow(t *testing.T) {
	root := t.TempDir()
	makeHook(t, root, "pre-commit", "#!/bin/bash\nexit 0\n")
	m := New(root, nil)
	err := m.RunPreCommit(1, "alice", "good commit", "2026-01-01T00:00:00Z",
		[]FileAction{{Action: "A", Path: "/foo.txt"}})
	assert.NoError(t, err)
}

func TestPreCommitReject(t *testing.T) {
	root := t.TempDir()
	makeHook(t, root, "pre-commit", "#!/bin/bash\necho 'Rejected by policy' >&2\nexit 1\n")
	m := New(root, nil)
	err := m.RunPreCommit(1, "alice", "bad", "2026-01-01T00:00:00Z", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Rejected by policy")
	assert.ErrorIs(t, err, ErrHookRejected)
}

func TestPreCommitReceivesStdin(t *testing.T) {
	root := t.TempDir()
	makeHook(t, root, "pre-commit", `#!/bin/bash
while IFS= read -r line; do
    if [[ "$line" =~ ^LOG:\ (.*)$ ]]; then
        log="${BASH_REMATCH[1]}"
        if [ ${#log} -lt 5 ]; then
            echo "Commit message too short" >&2
            exit 1
        fi
    fi
done
exit 0
`)
	m := New(root, nil)

	err := m.RunPreCommit(1, "alice", "hi", "2026-01-01T00:00:00Z", nil)
	assert.Error(t, err)

	err = m.RunPreCommit(1, "alice", "a valid commit message", "2026-01-01T00:00:00Z", nil)
	assert.NoError(t, err)
}

func TestPostCommitAlwaysOk(t *testing.T) {
	root := t.TempDir()
	makeHook(t, root, "post-commit", "#!/bin/bash\necho 'oops' >&2\nexit 1\n")
	m := New(root, nil)
	assert.NotPanics(t, func() {
		m.RunPostCommit(1, "alice", "msg", "2026-01-01T00:00:00Z")
	})
}

func TestPreRevpropChangeReject(t *testing.T) {
	root := t.TempDir()
	makeHook(t, root, "pre-revprop-change", "#!/bin/bash\necho 'Cannot change revprops' >&2\nexit 1\n")
	m := New(root, nil)
	err := m.RunPreRevpropChange(1, "alice", "svn:log", "M", "new log")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot change revprops")
}

func TestPreRevpropChangeAllow(t *testing.T) {
	root := t.TempDir()
	makeHook(t, root, "pre-revprop-change", "#!/bin/bash\nexit 0\n")
	m := New(root, nil)
	assert.NoError(t, m.RunPreRevpropChange(1, "alice", "svn:log", "M", "new log"))
}

func TestPostRevpropChangeAlwaysOk(t *testing.T) {
	root := t.TempDir()
	makeHook(t, root, "post-revprop-change", "#!/bin/bash\nexit 1\n")
	m := New(root, nil)
	assert.NotPanics(t, func() {
		m.RunPostRevpropChange(1, "alice", "svn:log", "M")
	})
}

func TestEnsureHooksDir(t *testing.T) {
	root := t.TempDir()
	m := New(root, nil)
	_, err := os.Stat(filepath.Join(root, "hooks"))
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, m.EnsureHooksDir())
	_, err = os.Stat(filepath.Join(root, "hooks"))
	assert.NoError(t, err)
}

func TestHookReceivesEnvVar(t *testing.T) {
	root := t.TempDir()
	makeHook(t, root, "pre-commit", "#!/bin/bash\nif [ \"$DSVN_REPO\" != \""+root+"\" ]; then echo 'bad env' >&2; exit 1; fi\nexit 0\n")
	m := New(root, nil)
	assert.NoError(t, m.RunPreCommit(1, "alice", "test", "2026-01-01T00:00:00Z", nil))
}
