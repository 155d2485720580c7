package server

// hostUsage holds memory, disk, and uptime figures for INFO responses.
// Fields are best-effort: a platform that cannot read one leaves it zero.
type hostUsage struct {
	TotalMemory   int64
	FreeMemory    int64
	DiskTotal     int64
	DiskFree      int64
	UptimeSeconds int64
}
