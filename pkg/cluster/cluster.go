// Package cluster creates, starts, inspects, stops, and destroys PostgreSQL
// clusters rooted at a data directory.
//
// A Cluster is a handle over (data directory, runtime); it carries no other
// state and many handles over the same directory may exist at once, in the
// same process or in different ones. The operations here offer no protection
// against concurrent use by other handles; the coordinate package layers
// that on top.
package cluster

import (
	"database/sql"
	"fmt"
	"os"
	osexec "os/exec"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/flanksource/clicky/exec"
	"github.com/flanksource/commons/logger"
	"github.com/flanksource/commons/properties"
	"github.com/lib/pq"

	"github.com/flanksource/pgcluster/pkg/interrupt"
	"github.com/flanksource/pgcluster/pkg/runtime"
)

// Cluster is a handle over one PostgreSQL cluster. Immutable after
// construction; the on-disk cluster may not exist yet.
type Cluster struct {
	// DataDir is the cluster's data directory. Corresponds to PGDATA.
	DataDir string
	// Runtime is the PostgreSQL installation used with this cluster.
	Runtime runtime.Runtime
}

// New returns a handle over dataDir using the given runtime. The path is
// made absolute; nothing is touched on disk.
func New(dataDir string, rt runtime.Runtime) (*Cluster, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, newError(Unknown, "new", dataDir, err)
	}
	return &Cluster{DataDir: abs, Runtime: rt}, nil
}

// NewWithStrategy returns a handle over dataDir, choosing a runtime via the
// given strategy. An existing cluster's PG_VERSION pins the choice; for a
// new cluster the strategy's default is used.
func NewWithStrategy(dataDir string, strategy runtime.Strategy) (*Cluster, error) {
	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, newError(Unknown, "new", dataDir, err)
	}

	c := &Cluster{DataDir: abs}
	pin, err := c.PinnedVersion()
	if err != nil {
		return nil, err
	}

	if pin == nil {
		rt, err := runtime.Default(strategy)
		if err != nil {
			return nil, newError(RuntimeNotFound, "new", abs, err)
		}
		c.Runtime = rt
		return c, nil
	}

	rt, err := runtime.Select(strategy, *pin)
	if err != nil {
		return nil, newError(RuntimeNotFound, "new", abs, err)
	}
	c.Runtime = rt
	return c, nil
}

// Pidfile returns the path to the postmaster's pid file. It does not
// necessarily exist.
func (c *Cluster) Pidfile() string {
	return filepath.Join(c.DataDir, "postmaster.pid")
}

// Logfile returns the path to the server log inside the data directory.
func (c *Cluster) Logfile() string {
	return filepath.Join(c.DataDir, "postmaster.log")
}

// LockPath returns the coordination lock file path: a sibling of the data
// directory, so it remains valid while the data directory is absent.
func (c *Cluster) LockPath() string {
	return c.DataDir + ".lock"
}

// ctl prepares a pg_ctl invocation against this cluster.
func (c *Cluster) ctl(args ...string) exec.Process {
	cmd := c.Runtime.Execute("pg_ctl", append([]string{"-D", c.DataDir}, args...)...)
	cmd.Env["PGDATA"] = c.DataDir
	cmd.Env["PGHOST"] = c.DataDir
	cmd.Timeout = properties.Duration(60*time.Second, "pgctl.timeout")
	return cmd
}

// Create initializes the cluster if the data directory is absent or unused.
// No-op when the cluster already exists. On initdb failure anything initdb
// wrote is removed again, so a half-initialized directory is never left
// behind.
func (c *Cluster) Create() error {
	state, err := c.State()
	if err != nil {
		return err
	}
	switch state {
	case Stopped, Running:
		return nil
	}

	created := state == Absent
	if created {
		if err := os.MkdirAll(c.DataDir, 0o700); err != nil {
			return newError(InitFailed, "create", c.DataDir, err)
		}
	}

	logger.Debugf("initializing cluster in %s with PostgreSQL %s", c.DataDir, c.Runtime.Version)
	cmd := c.Runtime.Execute("initdb", initdbArgs(c.DataDir)...)
	cmd.Timeout = properties.Duration(60*time.Second, "initdb.timeout")
	proc := cmd.Run()
	if proc.Err != nil {
		c.removeInitdbDebris(created)
		return newOutputError(InitFailed, "create", c.DataDir,
			proc.Stdout.String()+proc.Stderr.String(), proc.Err)
	}
	return nil
}

// removeInitdbDebris undoes a failed initdb: the directory itself if we
// created it, otherwise just its contents.
func (c *Cluster) removeInitdbDebris(created bool) {
	if created {
		if err := os.RemoveAll(c.DataDir); err != nil {
			logger.Warnf("could not clean up %s after failed initdb: %v", c.DataDir, err)
		}
		return
	}
	entries, err := os.ReadDir(c.DataDir)
	if err != nil {
		logger.Warnf("could not clean up %s after failed initdb: %v", c.DataDir, err)
		return
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(c.DataDir, entry.Name())); err != nil {
			logger.Warnf("could not clean up %s after failed initdb: %v", c.DataDir, err)
		}
	}
}

// Start brings the cluster up, creating it first if necessary. The server
// listens only on a UNIX socket inside the data directory. Start returns
// success only after a connection attempt has succeeded; a server that
// `pg_ctl` claims is up but that never accepts connections fails with
// StartTimeout.
func (c *Cluster) Start() error {
	if err := c.Create(); err != nil {
		return err
	}

	running, err := c.Running()
	if err != nil {
		return err
	}
	if !running {
		logger.Infof("starting cluster in %s (PostgreSQL %s)", c.DataDir, c.Runtime.Version)
		proc := c.ctl("start",
			"-l", c.Logfile(),
			"-s", "-w",
			"-o", serverOptions(c.Runtime.Version, c.DataDir),
		).Run()
		if proc.Err != nil {
			return newOutputError(StartTimeout, "start", c.DataDir,
				proc.Stdout.String()+proc.Stderr.String()+c.logTail(), proc.Err)
		}
	}

	if err := c.waitReady(); err != nil {
		return err
	}
	return nil
}

// waitReady polls until a connection to template1 succeeds.
func (c *Cluster) waitReady() error {
	timeout := properties.Duration(60*time.Second, "start.timeout")
	interval := 200 * time.Millisecond
	attempts := uint(timeout / interval)

	err := retry.Do(
		func() error {
			if err := interrupt.Check(); err != nil {
				return err
			}
			db, err := c.Connect("template1")
			if err != nil {
				return err
			}
			return db.Close()
		},
		retry.Attempts(attempts),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !interrupt.Interrupted()
		}),
	)
	if err != nil {
		if interrupt.Interrupted() {
			return newError(Interrupted, "start", c.DataDir, interrupt.ErrInterrupted)
		}
		return newOutputError(StartTimeout, "start", c.DataDir, c.logTail(),
			fmt.Errorf("server did not accept connections: %w", err))
	}
	return nil
}

// Stop shuts the cluster down with a fast shutdown. No-op when the cluster
// is not running.
func (c *Cluster) Stop() error {
	running, err := c.Running()
	if err != nil {
		return err
	}
	if !running {
		return nil
	}

	logger.Infof("stopping cluster in %s", c.DataDir)
	proc := c.ctl("stop", "-s", "-w", "-m", "fast").Run()
	if proc.Err != nil {
		return newOutputError(StopFailed, "stop", c.DataDir,
			proc.Stdout.String()+proc.Stderr.String(), proc.Err)
	}

	// pg_ctl -w waits, but the postmaster may still be tearing down; hold
	// on until its pid is gone so a follow-up destroy cannot race it.
	err = retry.Do(
		func() error {
			if c.postmasterAlive() {
				return fmt.Errorf("postmaster %d still alive", c.postmasterPid())
			}
			return nil
		},
		retry.Attempts(uint(properties.Duration(30*time.Second, "stop.timeout")/(100*time.Millisecond))),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return newError(StopFailed, "stop", c.DataDir, err)
	}
	return nil
}

// Destroy stops the cluster if needed and deletes the data directory.
// No-op when the data directory is already absent. The coordination lock
// file is a sibling of the data directory and is not touched here; the
// coordinate package removes it, last, while holding the exclusive lock.
func (c *Cluster) Destroy() error {
	if err := c.Stop(); err != nil {
		return err
	}
	if err := os.RemoveAll(c.DataDir); err != nil {
		return newError(DestroyFailed, "destroy", c.DataDir, err)
	}
	return nil
}

// Connect opens a database/sql connection to the given database over the
// UNIX socket inside the data directory, as the effective OS user. The
// connection is verified with a ping before it is returned.
func (c *Cluster) Connect(database string) (*sql.DB, error) {
	u, err := user.Current()
	if err != nil {
		return nil, newError(ConnectFailed, "connect", c.DataDir, err)
	}

	dsn := fmt.Sprintf("host=%s dbname=%s user=%s sslmode=disable",
		dsnValue(c.DataDir), dsnValue(database), dsnValue(u.Username))
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, newError(ConnectFailed, "connect", c.DataDir, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(3 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, newError(ConnectFailed, "connect", c.DataDir, err)
	}
	return db, nil
}

// Databases lists every database in the cluster, templates included, in
// name order.
func (c *Cluster) Databases() ([]string, error) {
	db, err := c.Connect("template1")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query("SELECT datname FROM pg_catalog.pg_database ORDER BY datname")
	if err != nil {
		return nil, newError(ConnectFailed, "databases", c.DataDir, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, newError(ConnectFailed, "databases", c.DataDir, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, newError(ConnectFailed, "databases", c.DataDir, err)
	}
	return names, nil
}

// CreateDatabase creates the named database.
func (c *Cluster) CreateDatabase(name string) error {
	db, err := c.Connect("template1")
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec("CREATE DATABASE " + pq.QuoteIdentifier(name)); err != nil {
		return newError(ConnectFailed, "createdb", c.DataDir, err)
	}
	return nil
}

// DropDatabase drops the named database.
func (c *Cluster) DropDatabase(name string) error {
	db, err := c.Connect("template1")
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec("DROP DATABASE " + pq.QuoteIdentifier(name)); err != nil {
		return newError(ConnectFailed, "dropdb", c.DataDir, err)
	}
	return nil
}

// Shell runs an interactive psql attached to the caller's terminal,
// connected to the given database.
func (c *Cluster) Shell(database string) error {
	return c.Exec(database, filepath.Join(c.Runtime.BinDir, "psql"), "--quiet")
}

// Exec runs an arbitrary command attached to the caller's terminal, with
// the runtime's bin directory first on PATH and PGHOST pointing at the
// cluster's socket directory.
func (c *Cluster) Exec(database string, command string, args ...string) error {
	cmd := osexec.Command(command, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"PATH="+c.Runtime.EnvPath(),
		"PGDATA="+c.DataDir,
		"PGHOST="+c.DataDir,
		"PGDATABASE="+database,
	)
	return cmd.Run()
}

// logTail returns the last few lines of the server log for error messages.
func (c *Cluster) logTail() string {
	content, err := os.ReadFile(c.Logfile())
	if err != nil {
		return ""
	}
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	if len(lines) > 20 {
		lines = lines[len(lines)-20:]
	}
	return "\n" + strings.Join(lines, "\n")
}

// dsnValue quotes a value for a libpq key=value connection string.
func dsnValue(s string) string {
	if s != "" && !strings.ContainsAny(s, ` '\`) {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}
