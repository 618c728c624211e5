package health

import (
	"context"
	"fmt"
	"time"

	"github.com/energizer-project/fragnet/internal/scheduler"
	"github.com/energizer-project/fragnet/internal/util"
)

// Disk usage alert thresholds, in percent.
const (
	diskWarnPercent     = 90
	diskCriticalPercent = 95
	memWarnPercent      = 90
)

// HostCheck reports CPU, memory and disk usage of the host. Disk usage is
// measured for the filesystem holding diskPath.
func HostCheck(diskPath string) CheckFunc {
	return func(ctx context.Context) Result {
		details := map[string]interface{}{}
		status := StatusOK
		msg := "host resources nominal"

		if cpu, err := util.GetCPUUsage(); err == nil {
			details["cpu_percent"] = cpu
		}
		if mem, err := util.GetMemoryUsage(); err == nil {
			details["memory_used_percent"] = mem.UsedPercent
			details["memory_available_mb"] = mem.Available
			if mem.UsedPercent >= memWarnPercent {
				status = StatusWarning
				msg = fmt.Sprintf("memory usage at %.1f%%", mem.UsedPercent)
			}
		}

		disk, err := util.GetDiskUsage(diskPath)
		if err != nil {
			return Result{Status: StatusWarning, Message: "disk usage unavailable: " + err.Error(), Details: details}
		}
		details["disk_used_percent"] = disk.UsedPercent
		details["disk_free_gb"] = disk.Free

		switch {
		case disk.UsedPercent >= diskCriticalPercent:
			status = StatusCritical
			msg = fmt.Sprintf("disk usage at %.1f%% (%d GB free)", disk.UsedPercent, disk.Free)
		case disk.UsedPercent >= diskWarnPercent && status == StatusOK:
			status = StatusWarning
			msg = fmt.Sprintf("disk usage at %.1f%% (%d GB free)", disk.UsedPercent, disk.Free)
		}
		return Result{Status: status, Message: msg, Details: details}
	}
}

// LagSource reports loops that exceeded their long-tick thresholds.
type LagSource interface {
	CheckThresholds() []scheduler.LagAlert
}

// LagCheck turns lag alerts into a check result; the worst alert wins.
func LagCheck(src LagSource) CheckFunc {
	return func(ctx context.Context) Result {
		alerts := src.CheckThresholds()
		if len(alerts) == 0 {
			return Result{Status: StatusOK, Message: "no sustained lag"}
		}

		worst := alerts[0]
		for _, a := range alerts[1:] {
			if a.Level == "critical" && worst.Level != "critical" {
				worst = a
			}
		}
		status := StatusWarning
		if worst.Level == "critical" {
			status = StatusCritical
		}
		return Result{
			Status:  status,
			Message: worst.Message,
			Details: map[string]interface{}{"alerts": alerts},
		}
	}
}

// Pruner deletes records older than a maximum age.
type Pruner interface {
	Prune(ctx context.Context, maxAge time.Duration) (int64, error)
}

// RetentionCheck prunes p to maxAge each time it runs.
func RetentionCheck(p Pruner, maxAge time.Duration) CheckFunc {
	return func(ctx context.Context) Result {
		removed, err := p.Prune(ctx, maxAge)
		if err != nil {
			return Result{Status: StatusWarning, Message: "history prune failed: " + err.Error()}
		}
		return Result{
			Status:  StatusOK,
			Message: fmt.Sprintf("pruned %d history rows", removed),
			Details: map[string]interface{}{"removed": removed, "max_age": maxAge.String()},
		}
	}
}
