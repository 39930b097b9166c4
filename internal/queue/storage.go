package queue

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// StopError aborts a transfer with the status the worker must persist.
type StopError struct {
	Status  int
	Message string
}

func (e *StopError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Message)
}

// Margin subtracted from the free-block count before comparing against a
// requested size, in case creating the file grows the filesystem by a few
// blocks.
const spareBlocks = 4

// StorageManager resolves destination paths against the configured storage
// roots and verifies free space before a transfer writes.
type StorageManager struct {
	roots []string
}

func NewStorageManager(roots ...string) *StorageManager {
	sm := &StorageManager{}
	sm.roots = append(sm.roots, roots...)
	return sm
}

// Roots returns the configured storage roots.
func (sm *StorageManager) Roots() []string {
	return sm.roots
}

// Mounted reports whether at least one storage root is reachable.
func (sm *StorageManager) Mounted() bool {
	for _, root := range sm.roots {
		if info, err := os.Stat(root); err == nil && info.IsDir() {
			var st unix.Statfs_t
			if err := unix.Statfs(root, &st); err == nil {
				return true
			}
		}
	}
	return false
}

// VerifySpace checks that the filesystem holding path can absorb length
// bytes. The path must live under a configured root.
func (sm *StorageManager) VerifySpace(path string, length int64) error {
	if path == "" {
		return &StopError{Status: StatusFileError, Message: "empty destination path"}
	}
	root := sm.resolveRoot(path)
	if root == "" {
		return &StopError{Status: StatusFileError, Message: "path outside storage roots: " + path}
	}
	if length <= 0 {
		return nil
	}
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return &StopError{Status: StatusDeviceNotFound, Message: "storage root not mounted: " + root}
	}
	available := (int64(st.Bavail) - spareBlocks) * int64(st.Bsize)
	if available < length {
		return &StopError{
			Status:  StatusInsufficientSpace,
			Message: fmt.Sprintf("not enough free space in filesystem rooted at %s: need %d, have %d", root, length, available),
		}
	}
	return nil
}

func (sm *StorageManager) resolveRoot(path string) string {
	for _, root := range sm.roots {
		if path == root || strings.HasPrefix(path, strings.TrimSuffix(root, "/")+"/") {
			return root
		}
	}
	return ""
}
