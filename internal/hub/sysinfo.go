package hub

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// processMemoryMB reports the hub's resident set size in MiB. Returns 0
// when the platform query fails.
func processMemoryMB() float64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mi, err := proc.MemoryInfo()
	if err != nil || mi == nil {
		return 0
	}
	return float64(mi.RSS) / (1024 * 1024)
}
