package cluster

import (
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/flanksource/pgcluster/pkg/pgversion"
)

// State classifies a data directory. Derived on every call, never persisted.
type State string

const (
	// Absent means the data directory does not exist.
	Absent State = "absent"
	// Unused means the data directory exists but is empty.
	Unused State = "unused"
	// Stopped means the directory holds an initialized cluster that is not
	// running.
	Stopped State = "stopped"
	// Running means the directory holds an initialized cluster with a live
	// postmaster.
	Running State = "running"
)

// State examines the data directory and classifies it. An initialized
// cluster whose PG_VERSION disagrees with the runtime's major version fails
// with RuntimeMismatch; a non-empty directory that is not a cluster fails
// with DirectoryNotEmpty.
func (c *Cluster) State() (State, error) {
	info, err := os.Stat(c.DataDir)
	switch {
	case os.IsNotExist(err):
		return Absent, nil
	case err != nil:
		return "", newError(Unknown, "state", c.DataDir, err)
	case !info.IsDir():
		return "", newError(DirectoryNotEmpty, "state", c.DataDir,
			fmt.Errorf("%s is not a directory", c.DataDir))
	}

	entries, err := os.ReadDir(c.DataDir)
	if err != nil {
		return "", newError(Unknown, "state", c.DataDir, err)
	}
	if len(entries) == 0 {
		return Unused, nil
	}

	pin, err := c.PinnedVersion()
	if err != nil {
		return "", err
	}
	if pin == nil {
		return "", newError(DirectoryNotEmpty, "state", c.DataDir,
			errors.New("directory is not empty and contains no PG_VERSION"))
	}
	if !pin.Compatible(c.Runtime.Version) {
		return "", newError(RuntimeMismatch, "state", c.DataDir,
			fmt.Errorf("cluster requires PostgreSQL %s, runtime is %s", pin, c.Runtime.Version))
	}

	running, err := c.Running()
	if err != nil {
		return "", err
	}
	if running {
		return Running, nil
	}
	return Stopped, nil
}

// Exists reports whether the data directory looks like an initialized
// cluster, i.e. contains a PG_VERSION file.
func (c *Cluster) Exists() bool {
	info, err := os.Stat(filepath.Join(c.DataDir, "PG_VERSION"))
	return err == nil && info.Mode().IsRegular()
}

// PinnedVersion reads PG_VERSION from the data directory: the version of
// PostgreSQL the on-disk cluster requires. Returns nil when the file does
// not exist. Modern clusters pin just the major ("14"); pre-10 clusters pin
// major and point ("9.6").
func (c *Cluster) PinnedVersion() (*pgversion.PartialVersion, error) {
	content, err := os.ReadFile(filepath.Join(c.DataDir, "PG_VERSION"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, newError(Unknown, "state", c.DataDir, err)
	}
	pin, err := pgversion.ParsePartial(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, newError(VersionParse, "state", c.DataDir, err)
	}
	return &pin, nil
}

// Running asks `pg_ctl status` whether the cluster is live. Only pg_ctl is
// authoritative; the presence of postmaster.pid alone means nothing.
func (c *Cluster) Running() (bool, error) {
	proc := c.ctl("status").Run()
	code := exitCode(proc.Err)
	if code == 0 {
		return true, nil
	}

	// pg_ctl's "not running" exit code has shifted across releases, so
	// decode it per version rather than trusting any non-zero code.
	v := c.Runtime.Version
	switch {
	case v.Major >= 10 || (v.Major == 9 && v.Minor >= 4):
		// 3: data directory present, server not running.
		// 4: data directory missing or inaccessible; if it's missing the
		// server cannot be running, otherwise we cannot tell.
		if code == 3 || (code == 4 && !c.Exists()) {
			return false, nil
		}
	case v.Major == 9 && v.Minor >= 2:
		if code == 3 {
			return false, nil
		}
	default:
		if code == 1 {
			return false, nil
		}
	}

	return false, newOutputError(Unknown, "status", c.DataDir,
		proc.Stdout.String()+proc.Stderr.String(),
		fmt.Errorf("pg_ctl status exited %d: %w", code, proc.Err))
}

// postmasterPid reads the postmaster's pid from postmaster.pid. Returns 0
// when the file is absent or unreadable.
func (c *Cluster) postmasterPid() int32 {
	content, err := os.ReadFile(c.Pidfile())
	if err != nil {
		return 0
	}
	lines := strings.SplitN(strings.TrimSpace(string(content)), "\n", 2)
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0
	}
	return int32(pid)
}

// postmasterAlive reports whether the pid recorded in postmaster.pid refers
// to a live process. A postmaster whose parent shell died is still alive and
// still counts; the next participant simply adopts it.
func (c *Cluster) postmasterAlive() bool {
	pid := c.postmasterPid()
	if pid == 0 {
		return false
	}
	alive, err := process.PidExists(pid)
	return err == nil && alive
}

// exitCode digs the process exit code out of a subprocess error. Returns 0
// for nil, -1 when no code is recoverable.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
