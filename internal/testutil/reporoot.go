package testutil

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// ModulePath is the module line the root go.mod must declare.
const ModulePath = "github.com/ManuGH/piresence"

// MustRepoRoot walks up from this file to the go.mod declaring ModulePath.
// go.mod files of other modules on the way are skipped.
func MustRepoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("repo root: cannot determine caller")
	}
	for dir := filepath.Dir(file); ; dir = filepath.Dir(dir) {
		if declaresModule(filepath.Join(dir, "go.mod")) {
			return dir
		}
		if filepath.Dir(dir) == dir {
			t.Fatalf("repo root: no go.mod declaring %s above %s", ModulePath, file)
		}
	}
}

func declaresModule(path string) bool {
	f, err := os.Open(path) // #nosec G304 -- fixed name under the source tree
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if mod, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "module "); ok {
			return strings.TrimSpace(mod) == ModulePath
		}
	}
	return false
}
