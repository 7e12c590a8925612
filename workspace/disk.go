package workspace

import (
	"fmt"
	"syscall"
)

// DiskSpaceError is raised when disk usage on the filesystem backing a
// worktree base directory exceeds the configured safety threshold.
type DiskSpaceError struct {
	CurrentUsage float64
	Threshold    float64
}

func (e *DiskSpaceError) Error() string {
	return fmt.Sprintf(
		"disk usage %.1f%% exceeds threshold %.1f%%; free up disk space before proceeding",
		e.CurrentUsage, e.Threshold,
	)
}

// checkDiskSpace reports current disk usage (0-100) for the filesystem
// containing path, returning DiskSpaceError if usage exceeds threshold.
//
// There's no portable syscall for this in the standard library, but
// syscall.Statfs is the same primitive every cross-platform disk-usage
// library (including gopsutil) wraps; nothing in the retrieved pack wires
// gopsutil to a real component, so this stays on syscall directly rather
// than adding a dependency for one field read.
func checkDiskSpace(path string, threshold float64) (float64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return 0, nil
	}
	used := total - free
	usagePercent := (float64(used) / float64(total)) * 100

	if usagePercent > threshold {
		return usagePercent, &DiskSpaceError{CurrentUsage: usagePercent, Threshold: threshold}
	}
	return usagePercent, nil
}
