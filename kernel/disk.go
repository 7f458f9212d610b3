package kernel

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DiskCache persists a completion marker per distinct source-byte kernel. It
// never stores the compiled Artifact itself -- that value lives only in the
// owning process's Compiler -- only the fact that source-bytes with this
// hash compiled successfully at least once: a flock-guarded directory
// holding a hash-named marker file written only after a successful compile.
// Cache writes markers but does not read them before compiling, so a marker
// never saves a compile; and each DiskCache has its own fresh root, so
// markers are not shared with a later process.
type DiskCache struct {
	root string
}

// NewDiskCache creates a fresh subdirectory of parent on every call, named
// with a random uuid so two engine instances sharing parent never race to
// create the same cache root.
func NewDiskCache(parent string) (*DiskCache, error) {
	root := filepath.Join(parent, uuid.NewString())
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "kernel: create disk cache root")
	}
	return &DiskCache{root: root}, nil
}

// Root returns the cache's backing directory.
func (d *DiskCache) Root() string { return d.root }

func (d *DiskCache) markerPath(source []byte) (dir, marker string) {
	sum := sha256.Sum256(source)
	hash := hex.EncodeToString(sum[:])
	dir = filepath.Join(d.root, hash[:2])
	marker = filepath.Join(dir, hash+".done")
	return dir, marker
}

// HasCompiled reports whether source was previously marked compiled under
// this DiskCache's root.
func (d *DiskCache) HasCompiled(source []byte) bool {
	_, marker := d.markerPath(source)
	_, err := os.Stat(marker)
	return err == nil
}

// MarkCompiled records that source compiled successfully, guarded by a file
// lock over the marker's parent directory so concurrent processes racing to
// mark the same source serialize cleanly. Returns true if this call was the
// one to create the marker (false if it already existed).
func (d *DiskCache) MarkCompiled(source []byte) (created bool, err error) {
	dir, marker := d.markerPath(source)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, errors.Wrap(err, "kernel: create disk cache bucket")
	}

	lock := flock.New(filepath.Join(dir, ".lock"))
	if err := lock.Lock(); err != nil {
		return false, errors.Wrap(err, "kernel: acquire disk cache lock")
	}
	defer lock.Unlock()

	if _, err := os.Stat(marker); err == nil {
		return false, nil
	}
	if err := os.WriteFile(marker, []byte("ok"), 0o644); err != nil {
		return false, errors.Wrap(err, "kernel: write disk cache marker")
	}
	return true, nil
}
