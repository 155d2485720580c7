//go:build windows

package server

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

const metricsTimeout = 5 * time.Second

// Memory sizes come back in KB from Win32_OperatingSystem, disk sizes in
// bytes from Win32_LogicalDisk. Uptime is derived from LastBootUpTime.
const metricsScript = `$os = Get-CimInstance Win32_OperatingSystem
$disk = Get-CimInstance Win32_LogicalDisk -Filter "DeviceID='$((Get-Location).Drive.Name):'"
$up = [int64]((Get-Date) - $os.LastBootUpTime).TotalSeconds
Write-Output "$($os.TotalVisibleMemorySize) $($os.FreePhysicalMemory) $($disk.Size) $($disk.FreeSpace) $up"`

func hostMetrics(path string) hostUsage {
	var u hostUsage
	_ = path // the script reports the current drive

	ctx, cancel := context.WithTimeout(context.Background(), metricsTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "powershell", "-NoProfile", "-Command", metricsScript).Output()
	if err != nil {
		return u
	}

	var totalKB, freeKB int64
	if _, err := fmt.Sscanf(string(bytes.TrimSpace(out)), "%d %d %d %d %d",
		&totalKB, &freeKB, &u.DiskTotal, &u.DiskFree, &u.UptimeSeconds); err != nil {
		return hostUsage{}
	}
	u.TotalMemory = totalKB * 1024
	u.FreeMemory = freeKB * 1024
	return u
}
