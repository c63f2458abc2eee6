package cluster

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// TempDataDir reserves a uniquely named data directory under the system
// temporary directory, mode 0700 as initdb requires. The directory is
// created empty (state Unused) so that a subsequent Start initializes it.
// Callers are responsible for destroying the cluster when done.
func TempDataDir() (string, error) {
	dir := filepath.Join(os.TempDir(), "pgcluster-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", fmt.Errorf("create temporary data directory: %w", err)
	}
	return dir, nil
}
