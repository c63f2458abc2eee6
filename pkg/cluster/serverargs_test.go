package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flanksource/pgcluster/pkg/pgversion"
)

func TestServerOptionsModern(t *testing.T) {
	opts := serverOptions(pgversion.Version{Major: 16, Minor: 2}, "/tmp/data")
	assert.Contains(t, opts, "-c listen_addresses=''")
	assert.Contains(t, opts, "-c unix_socket_directories='/tmp/data'")
	assert.Contains(t, opts, "-c fsync=off")
}

func TestServerOptionsSocketKeyRenamedAt93(t *testing.T) {
	// 9.3 renamed the singular key to the plural.
	opts := serverOptions(pgversion.Version{Major: 9, Minor: 3, Patch: 25}, "/tmp/data")
	assert.Contains(t, opts, "unix_socket_directories=")

	opts = serverOptions(pgversion.Version{Major: 9, Minor: 2, Patch: 4}, "/tmp/data")
	assert.Contains(t, opts, "unix_socket_directory=")
	assert.NotContains(t, opts, "unix_socket_directories=")
}

func TestServerOptionsQuotesDataDir(t *testing.T) {
	opts := serverOptions(pgversion.Version{Major: 16, Minor: 2}, "/tmp/my data")
	assert.Contains(t, opts, "unix_socket_directories='/tmp/my data'")
}

func TestInitdbArgs(t *testing.T) {
	args := initdbArgs("/tmp/data")
	assert.Equal(t, []string{"-D", "/tmp/data", "-E", "UTF8", "--locale", "C", "--auth", "trust"}, args)
}

func TestDSNValue(t *testing.T) {
	assert.Equal(t, "/tmp/data", dsnValue("/tmp/data"))
	assert.Equal(t, "'/tmp/my data'", dsnValue("/tmp/my data"))
	assert.Equal(t, `'it\'s'`, dsnValue("it's"))
	assert.Equal(t, "''", dsnValue(""))
}
