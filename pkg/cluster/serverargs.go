package cluster

import (
	"fmt"
	"strings"

	"github.com/flanksource/pgcluster/pkg/pgversion"
)

// PostgreSQL renamed configuration keys over the years. Rather than scatter
// version checks through the operations, a small dispatch table supplies the
// server argument set for each version range; the first matching entry wins.
var serverArgForms = []struct {
	atLeast   func(v pgversion.Version) bool
	socketKey string
}{
	// 9.3 renamed unix_socket_directory to unix_socket_directories.
	{func(v pgversion.Version) bool { return v.AtLeast(9, 3) }, "unix_socket_directories"},
	{func(v pgversion.Version) bool { return true }, "unix_socket_directory"},
}

// serverOptions builds the `-o` argument for `pg_ctl start`. The socket
// lives inside the data directory so concurrent clusters never collide, TCP
// is disabled entirely, and fsync is off because these clusters are
// throwaway.
func serverOptions(v pgversion.Version, dataDir string) string {
	form := serverArgForms[0]
	for _, f := range serverArgForms {
		if f.atLeast(v) {
			form = f
			break
		}
	}

	opts := []string{
		"-c listen_addresses=''",
		fmt.Sprintf("-c %s=%s", form.socketKey, shellQuote(dataDir)),
		"-c fsync=off",
	}
	return strings.Join(opts, " ")
}

// initdbArgs builds the argument list for initdb. Trust auth is fine here:
// the cluster only ever listens on a socket inside a mode-0700 directory.
func initdbArgs(dataDir string) []string {
	return []string{
		"-D", dataDir,
		"-E", "UTF8",
		"--locale", "C",
		"--auth", "trust",
	}
}

// shellQuote single-quotes a value for inclusion in the pg_ctl -o string,
// which pg_ctl splits shell-style.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
