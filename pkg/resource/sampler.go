package resource

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// GopsutilSampler is the production Sampler, backed by
// github.com/shirou/gopsutil/v4, the host-metrics library rcourtman-Pulse
// wires in for the same kind of CPU/memory/disk/load readings.
type GopsutilSampler struct{}

// NewGopsutilSampler constructs the production Sampler.
func NewGopsutilSampler() GopsutilSampler {
	return GopsutilSampler{}
}

func (GopsutilSampler) CPUCount() int {
	counts, err := cpu.Counts(true)
	if err != nil || counts == 0 {
		return 1
	}
	return counts
}

func (GopsutilSampler) CPUPercent(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

func (GopsutilSampler) LoadAverage() ([]float64, error) {
	avg, err := load.Avg()
	if err != nil {
		return nil, err
	}
	return []float64{avg.Load1, avg.Load5, avg.Load15}, nil
}

func (GopsutilSampler) MemoryMB() (total, available int64, err error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	const mb = 1024 * 1024
	return int64(vm.Total / mb), int64(vm.Available / mb), nil
}

func (GopsutilSampler) DiskGB(path string) (total, available int64, err error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, 0, err
	}
	const gb = 1024 * 1024 * 1024
	return int64(usage.Total / gb), int64(usage.Free / gb), nil
}
