package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flanksource/pgcluster/pkg/pgversion"
	"github.com/flanksource/pgcluster/pkg/runtime"
)

// fakeRuntime builds a stub PostgreSQL installation whose pg_ctl exits with
// the given status code, so state transitions can be exercised without a
// real PostgreSQL on the machine.
func fakeRuntime(t *testing.T, version string, pgCtlExit int) runtime.Runtime {
	t.Helper()
	dir := t.TempDir()
	stubs := map[string]string{
		"postgres": fmt.Sprintf("#!/bin/sh\necho \"postgres (PostgreSQL) %s\"\n", version),
		"pg_ctl":   fmt.Sprintf("#!/bin/sh\nexit %d\n", pgCtlExit),
		"initdb":   "#!/bin/sh\nexit 0\n",
		"psql":     "#!/bin/sh\nexit 0\n",
	}
	for name, content := range stubs {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o755))
	}
	rt, err := runtime.NewRuntime(dir)
	require.NoError(t, err)
	return rt
}

func initializedDataDir(t *testing.T, pgVersion string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Mkdir(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "PG_VERSION"), []byte(pgVersion+"\n"), 0o600))
	return dir
}

func TestStateAbsent(t *testing.T) {
	rt := fakeRuntime(t, "16.2", 3)
	c, err := New(filepath.Join(t.TempDir(), "nope"), rt)
	require.NoError(t, err)

	state, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, Absent, state)
}

func TestStateUnused(t *testing.T) {
	rt := fakeRuntime(t, "16.2", 3)
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Mkdir(dir, 0o700))
	c, err := New(dir, rt)
	require.NoError(t, err)

	state, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, Unused, state)
}

func TestStateStopped(t *testing.T) {
	rt := fakeRuntime(t, "16.2", 3) // pg_ctl status: not running
	c, err := New(initializedDataDir(t, "16"), rt)
	require.NoError(t, err)

	state, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, Stopped, state)
}

func TestStateRunning(t *testing.T) {
	rt := fakeRuntime(t, "16.2", 0) // pg_ctl status: running
	c, err := New(initializedDataDir(t, "16"), rt)
	require.NoError(t, err)

	state, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, Running, state)
}

func TestStateIsStableAcrossCalls(t *testing.T) {
	rt := fakeRuntime(t, "16.2", 3)
	c, err := New(initializedDataDir(t, "16"), rt)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		state, err := c.State()
		require.NoError(t, err)
		assert.Equal(t, Stopped, state)
	}
}

func TestStateRuntimeMismatch(t *testing.T) {
	rt := fakeRuntime(t, "16.2", 3)
	dir := initializedDataDir(t, "12")
	c, err := New(dir, rt)
	require.NoError(t, err)

	_, err = c.State()
	require.Error(t, err)
	assert.True(t, IsKind(err, RuntimeMismatch), "got %v", err)

	// The data directory is untouched.
	assert.FileExists(t, filepath.Join(dir, "PG_VERSION"))
}

func TestStateDirectoryNotEmpty(t *testing.T) {
	rt := fakeRuntime(t, "16.2", 3)
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Mkdir(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.txt"), []byte("junk"), 0o600))
	c, err := New(dir, rt)
	require.NoError(t, err)

	_, err = c.State()
	require.Error(t, err)
	assert.True(t, IsKind(err, DirectoryNotEmpty), "got %v", err)
}

func TestStatePre10NotRunningCode(t *testing.T) {
	// 9.2 through 9.3 use exit code 3 for "not running".
	rt := fakeRuntime(t, "9.2.4", 3)
	c, err := New(initializedDataDir(t, "9.2"), rt)
	require.NoError(t, err)

	state, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, Stopped, state)
}

func TestStatePre92NotRunningCode(t *testing.T) {
	// Before 9.2, "not running" is exit code 1.
	rt := fakeRuntime(t, "9.1.9", 1)
	c, err := New(initializedDataDir(t, "9.1"), rt)
	require.NoError(t, err)

	state, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, Stopped, state)
}

func TestRunningUnexpectedExitCode(t *testing.T) {
	rt := fakeRuntime(t, "16.2", 7)
	c, err := New(initializedDataDir(t, "16"), rt)
	require.NoError(t, err)

	_, err = c.Running()
	require.Error(t, err)
}

func TestPinnedVersion(t *testing.T) {
	rt := fakeRuntime(t, "16.2", 3)

	c, err := New(initializedDataDir(t, "16"), rt)
	require.NoError(t, err)
	pin, err := c.PinnedVersion()
	require.NoError(t, err)
	require.NotNil(t, pin)
	assert.Equal(t, pgversion.PartialVersion{Major: 16, Minor: -1, Patch: -1}, *pin)

	c, err = New(filepath.Join(t.TempDir(), "nope"), rt)
	require.NoError(t, err)
	pin, err = c.PinnedVersion()
	require.NoError(t, err)
	assert.Nil(t, pin)
}

func TestNewWithStrategyHonorsPin(t *testing.T) {
	rt14 := fakeRuntime(t, "14.11", 3)
	rt16 := fakeRuntime(t, "16.2", 3)
	strategy := runtime.Fixed{List: []runtime.Runtime{rt16, rt14}}

	c, err := NewWithStrategy(initializedDataDir(t, "14"), strategy)
	require.NoError(t, err)
	assert.Equal(t, rt14.BinDir, c.Runtime.BinDir)

	// No pin: the strategy default (first entry) wins.
	c, err = NewWithStrategy(filepath.Join(t.TempDir(), "new"), strategy)
	require.NoError(t, err)
	assert.Equal(t, rt16.BinDir, c.Runtime.BinDir)
}

func TestNewWithStrategyNoRuntime(t *testing.T) {
	_, err := NewWithStrategy(filepath.Join(t.TempDir(), "new"), runtime.Fixed{})
	require.Error(t, err)
	assert.True(t, IsKind(err, RuntimeNotFound), "got %v", err)
}

func TestCreateCleansUpFailedInitdb(t *testing.T) {
	rt := fakeRuntime(t, "16.2", 3)
	// initdb that writes some debris and fails.
	require.NoError(t, os.WriteFile(filepath.Join(rt.BinDir, "initdb"),
		[]byte("#!/bin/sh\ntouch \"$2/PG_VERSION\"\nexit 1\n"), 0o755))

	dir := filepath.Join(t.TempDir(), "data")
	c, err := New(dir, rt)
	require.NoError(t, err)

	err = c.Create()
	require.Error(t, err)
	assert.True(t, IsKind(err, InitFailed), "got %v", err)
	assert.NoDirExists(t, dir)
}

func TestCreateIsIdempotent(t *testing.T) {
	rt := fakeRuntime(t, "16.2", 3)
	c, err := New(initializedDataDir(t, "16"), rt)
	require.NoError(t, err)

	// Already initialized: no error, nothing to do.
	require.NoError(t, c.Create())
}

func TestDestroyRemovesDataDir(t *testing.T) {
	rt := fakeRuntime(t, "16.2", 3)
	dir := initializedDataDir(t, "16")
	c, err := New(dir, rt)
	require.NoError(t, err)

	require.NoError(t, c.Destroy())
	assert.NoDirExists(t, dir)

	state, err := c.State()
	require.NoError(t, err)
	assert.Equal(t, Absent, state)

	// Destroy on an absent directory stays a no-op.
	require.NoError(t, c.Destroy())
}

func TestStopIsIdempotent(t *testing.T) {
	rt := fakeRuntime(t, "16.2", 3) // not running
	c, err := New(initializedDataDir(t, "16"), rt)
	require.NoError(t, err)

	require.NoError(t, c.Stop())
}
