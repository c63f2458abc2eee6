package runtime

import (
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"sort"

	"github.com/samber/lo"

	"github.com/flanksource/pgcluster/pkg/pgversion"
)

// Strategy enumerates candidate PostgreSQL runtimes.
//
// Runtimes returns the candidates in preference order: the first entry is
// the strategy's nominated default. Candidates that could not be resolved
// (unreadable directory, unparseable `postgres --version`) are skipped and
// reported as diagnostics rather than errors.
type Strategy interface {
	Runtimes() ([]Runtime, []string)
}

// Default returns the strategy's nominated default runtime, or ErrNotFound
// when the strategy yields nothing.
func Default(s Strategy) (Runtime, error) {
	runtimes, _ := s.Runtimes()
	if len(runtimes) == 0 {
		return Runtime{}, ErrNotFound
	}
	return runtimes[0], nil
}

// Select returns the best runtime compatible with the given constraint,
// preferring the highest compatible version. Used to honor the PG_VERSION
// pin of an existing cluster.
func Select(s Strategy, pin pgversion.PartialVersion) (Runtime, error) {
	runtimes, _ := s.Runtimes()
	compatible := lo.Filter(runtimes, func(r Runtime, _ int) bool {
		return pin.Compatible(r.Version)
	})
	if len(compatible) == 0 {
		return Runtime{}, fmt.Errorf("%w for version %s", ErrNotFound, pin)
	}
	best := compatible[0]
	for _, r := range compatible[1:] {
		if r.Version.Compare(best.Version) > 0 {
			best = r
		}
	}
	return best, nil
}

// PathStrategy finds runtimes on a PATH-like list of directories. A
// directory qualifies if it contains an executable named postgres. The
// zero value scans the PATH environment variable.
type PathStrategy struct {
	// Path overrides the PATH environment variable when non-empty.
	Path string
}

func (s PathStrategy) Runtimes() ([]Runtime, []string) {
	path := s.Path
	if path == "" {
		path = os.Getenv("PATH")
	}

	var runtimes []Runtime
	var warnings []string
	seen := map[string]bool{}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" || !hasPostgres(dir) {
			continue
		}
		key := canonical(dir)
		if seen[key] {
			continue
		}
		seen[key] = true
		runtime, err := NewRuntime(dir)
		if err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		runtimes = append(runtimes, runtime)
	}
	return runtimes, warnings
}

// PlatformStrategy probes well-known install roots: the Debian/Ubuntu
// layout under /usr/lib/postgresql, the RHEL layout under /usr/pgsql-*,
// Homebrew cellars, Postgres.app, and the EDB installer layout.
type PlatformStrategy struct{}

func (PlatformStrategy) Runtimes() ([]Runtime, []string) {
	var runtimes []Runtime
	var warnings []string
	seen := map[string]bool{}
	for _, pattern := range platformBinGlobs() {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, dir := range matches {
			if !hasPostgres(dir) {
				continue
			}
			key := canonical(dir)
			if seen[key] {
				continue
			}
			seen[key] = true
			runtime, err := NewRuntime(dir)
			if err != nil {
				warnings = append(warnings, err.Error())
				continue
			}
			runtimes = append(runtimes, runtime)
		}
	}
	return runtimes, warnings
}

func platformBinGlobs() []string {
	switch goruntime.GOOS {
	case "darwin":
		return []string{
			"/opt/homebrew/opt/postgresql*/bin",
			"/opt/homebrew/Cellar/postgresql@*/*/bin",
			"/usr/local/opt/postgresql*/bin",
			"/usr/local/Cellar/postgresql@*/*/bin",
			"/Applications/Postgres.app/Contents/Versions/*/bin",
			"/Library/PostgreSQL/*/bin",
		}
	case "linux":
		return []string{
			"/usr/lib/postgresql/*/bin",
			"/usr/pgsql-*/bin",
			"/opt/postgresql/*/bin",
			"/usr/local/pgsql/bin",
		}
	default:
		return []string{
			"/usr/local/pgsql/bin",
			"/opt/postgresql/*/bin",
		}
	}
}

// StrategySet combines strategies, deduplicating by canonical bin
// directory. The combined ordering follows the spec for defaults: the first
// strategy's first runtime stays first (it is what an unqualified `postgres`
// on PATH would resolve to), and every other runtime follows in descending
// version order.
type StrategySet struct {
	Strategies []Strategy
}

// DefaultStrategy scans PATH, supplemented by the platform install roots.
func DefaultStrategy() Strategy {
	return StrategySet{Strategies: []Strategy{PathStrategy{}, PlatformStrategy{}}}
}

func (s StrategySet) Runtimes() ([]Runtime, []string) {
	var all []Runtime
	var warnings []string
	seen := map[string]bool{}
	pinned := 0
	for i, strategy := range s.Strategies {
		runtimes, w := strategy.Runtimes()
		warnings = append(warnings, w...)
		for _, r := range runtimes {
			key := canonical(r.BinDir)
			if seen[key] {
				continue
			}
			seen[key] = true
			all = append(all, r)
		}
		if i == 0 && len(all) > 0 {
			pinned = 1
		}
	}
	if len(all) > pinned {
		rest := all[pinned:]
		sort.SliceStable(rest, func(i, j int) bool {
			return rest[i].Version.Compare(rest[j].Version) > 0
		})
	}
	return all, warnings
}

// Fixed is a fixture strategy yielding a predetermined list of runtimes.
// Tests use it.
type Fixed struct {
	List []Runtime
}

func (s Fixed) Runtimes() ([]Runtime, []string) {
	return s.List, nil
}
