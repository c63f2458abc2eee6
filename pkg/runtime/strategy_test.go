package runtime

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flanksource/pgcluster/pkg/pgversion"
)

func TestPathStrategyFindsRuntimes(t *testing.T) {
	bin16 := fakeBinDir(t, "16.2")
	bin14 := fakeBinDir(t, "14.11")
	plain := t.TempDir() // no postgres here

	s := PathStrategy{Path: strings.Join([]string{plain, bin16, bin14}, string(filepath.ListSeparator))}
	runtimes, warnings := s.Runtimes()
	require.Empty(t, warnings)
	require.Len(t, runtimes, 2)

	// PATH order is preserved: the first qualifying entry comes first.
	assert.Equal(t, bin16, runtimes[0].BinDir)
	assert.Equal(t, bin14, runtimes[1].BinDir)
}

func TestPathStrategyDeduplicates(t *testing.T) {
	bin := fakeBinDir(t, "16.2")
	s := PathStrategy{Path: strings.Join([]string{bin, bin}, string(filepath.ListSeparator))}
	runtimes, _ := s.Runtimes()
	assert.Len(t, runtimes, 1)
}

func TestPathStrategySkipsBrokenCandidates(t *testing.T) {
	broken := fakeBinDir(t, "16.2")
	writeStub(t, filepath.Join(broken, "postgres"), "#!/bin/sh\necho garbage\n")
	good := fakeBinDir(t, "14.11")

	s := PathStrategy{Path: strings.Join([]string{broken, good}, string(filepath.ListSeparator))}
	runtimes, warnings := s.Runtimes()

	// The broken candidate is skipped with a diagnostic, not an error.
	require.Len(t, runtimes, 1)
	assert.Equal(t, good, runtimes[0].BinDir)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], broken)
}

func TestStrategySetOrdering(t *testing.T) {
	bin12 := fakeBinDir(t, "12.18")
	bin16 := fakeBinDir(t, "16.2")
	bin14 := fakeBinDir(t, "14.11")

	s := StrategySet{Strategies: []Strategy{
		PathStrategy{Path: bin12},
		Fixed{List: mustRuntimes(t, bin16, bin14)},
	}}

	runtimes, _ := s.Runtimes()
	require.Len(t, runtimes, 3)

	// The PATH pick stays first even though newer versions exist; the
	// rest follow in descending version order.
	assert.Equal(t, bin12, runtimes[0].BinDir)
	assert.Equal(t, bin16, runtimes[1].BinDir)
	assert.Equal(t, bin14, runtimes[2].BinDir)
}

func TestStrategySetDeduplicatesAcrossStrategies(t *testing.T) {
	bin := fakeBinDir(t, "16.2")
	s := StrategySet{Strategies: []Strategy{
		PathStrategy{Path: bin},
		Fixed{List: mustRuntimes(t, bin)},
	}}
	runtimes, _ := s.Runtimes()
	assert.Len(t, runtimes, 1)
}

func TestDefault(t *testing.T) {
	bin := fakeBinDir(t, "16.2")
	rt, err := Default(PathStrategy{Path: bin})
	require.NoError(t, err)
	assert.Equal(t, bin, rt.BinDir)

	_, err = Default(Fixed{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSelect(t *testing.T) {
	bin14 := fakeBinDir(t, "14.11")
	bin16 := fakeBinDir(t, "16.2")
	s := Fixed{List: mustRuntimes(t, bin14, bin16)}

	pin, err := pgversion.ParsePartial("14")
	require.NoError(t, err)
	rt, err := Select(s, pin)
	require.NoError(t, err)
	assert.Equal(t, bin14, rt.BinDir)

	pin, err = pgversion.ParsePartial("12")
	require.NoError(t, err)
	_, err = Select(s, pin)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSelectPrefersHighestCompatible(t *testing.T) {
	a := fakeBinDir(t, "14.2")
	b := fakeBinDir(t, "14.11")
	s := Fixed{List: mustRuntimes(t, a, b)}

	pin, err := pgversion.ParsePartial("14")
	require.NoError(t, err)
	rt, err := Select(s, pin)
	require.NoError(t, err)
	assert.Equal(t, b, rt.BinDir)
}

func mustRuntimes(t *testing.T, dirs ...string) []Runtime {
	t.Helper()
	var runtimes []Runtime
	for _, dir := range dirs {
		rt, err := NewRuntime(dir)
		require.NoError(t, err)
		runtimes = append(runtimes, rt)
	}
	return runtimes
}
