// Package runtime discovers and models installed PostgreSQL distributions.
//
// A machine may carry several PostgreSQL installations side by side, e.g.
// /usr/lib/postgresql/14/bin and /usr/lib/postgresql/16/bin on Debian, or
// Homebrew cellars on macOS. A Runtime identifies one of them by its bin
// directory and resolved version; strategies enumerate the candidates.
package runtime

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flanksource/clicky"
	"github.com/flanksource/clicky/exec"

	"github.com/flanksource/pgcluster/pkg/pgversion"
)

// ErrNotFound is returned when no PostgreSQL runtime is available.
var ErrNotFound = errors.New("no PostgreSQL runtime found")

// tools that every usable runtime must carry.
var requiredTools = []string{"initdb", "pg_ctl", "postgres", "psql"}

// Runtime is one PostgreSQL installation: a bin directory and the version
// its executables report. Immutable once constructed.
type Runtime struct {
	BinDir  string
	Version pgversion.Version
}

// NewRuntime resolves the runtime rooted at binDir. It verifies that the
// standard executables are present and runs `postgres --version` to resolve
// the version.
func NewRuntime(binDir string) (Runtime, error) {
	binDir, err := filepath.Abs(binDir)
	if err != nil {
		return Runtime{}, fmt.Errorf("resolve bin dir %s: %w", binDir, err)
	}

	for _, tool := range requiredTools {
		if !isExecutable(filepath.Join(binDir, tool)) {
			return Runtime{}, fmt.Errorf("%s is missing executable %s", binDir, tool)
		}
	}

	process := clicky.Exec(filepath.Join(binDir, "postgres"), "--version").Run()
	if process.Err != nil {
		return Runtime{}, fmt.Errorf("postgres --version in %s: %w", binDir, process.Err)
	}

	version, err := pgversion.Parse(process.Stdout.String())
	if err != nil {
		return Runtime{}, fmt.Errorf("postgres --version in %s: %w", binDir, err)
	}

	return Runtime{BinDir: binDir, Version: version}, nil
}

// String renders e.g. "16.2 (/usr/lib/postgresql/16/bin)".
func (r Runtime) String() string {
	return fmt.Sprintf("%s (%s)", r.Version, r.BinDir)
}

// Execute prepares a command for the named tool resolved inside this
// runtime's bin directory, with the bin directory prepended to the child's
// PATH. The caller's environment is otherwise inherited.
func (r Runtime) Execute(tool string, args ...string) exec.Process {
	cmd := clicky.Exec(filepath.Join(r.BinDir, tool), args...)
	cmd.Env = map[string]string{"PATH": r.EnvPath()}
	return cmd
}

// Command is like Execute except the program name is not qualified with the
// bin directory; the program is found through the modified PATH instead.
func (r Runtime) Command(program string, args ...string) exec.Process {
	cmd := clicky.Exec(program, args...)
	cmd.Env = map[string]string{"PATH": r.EnvPath()}
	return cmd
}

// EnvPath returns the caller's PATH with this runtime's bin directory
// prepended, suitable for a child process environment.
func (r Runtime) EnvPath() string {
	if path := os.Getenv("PATH"); path != "" {
		return r.BinDir + string(os.PathListSeparator) + path
	}
	return r.BinDir
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}

// hasPostgres reports whether dir contains an executable named postgres,
// which is the qualifying test for discovery.
func hasPostgres(dir string) bool {
	return isExecutable(filepath.Join(dir, "postgres"))
}

// canonical resolves symlinks so that duplicate PATH entries collapse.
func canonical(dir string) string {
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		return resolved
	}
	return filepath.Clean(dir)
}
