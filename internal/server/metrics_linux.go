//go:build linux

package server

import "golang.org/x/sys/unix"

// hostMetrics reads memory and uptime from sysinfo and disk usage from
// the filesystem holding path (the transfer root).
func hostMetrics(path string) hostUsage {
	var u hostUsage

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err == nil {
		unit := int64(si.Unit)
		if unit == 0 {
			unit = 1
		}
		u.TotalMemory = int64(si.Totalram) * unit
		u.FreeMemory = int64(si.Freeram) * unit
		u.UptimeSeconds = int64(si.Uptime)
	}

	if path == "" {
		path = "/"
	}
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err == nil {
		bsize := int64(fs.Bsize)
		u.DiskTotal = int64(fs.Blocks) * bsize
		u.DiskFree = int64(fs.Bavail) * bsize
	}
	return u
}
