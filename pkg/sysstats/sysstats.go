package sysstats

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"
	"github.com/sirupsen/logrus"
)

const defaultCPUSampleInterval = time.Second

// cpu temperature sensors seen on the boards we care about
var cpuTempKeys = []string{"cpu_thermal", "cpu-thermal", "coretemp", "soc_thermal", "k10temp"}

type Collector struct {
	cpuSampleInterval time.Duration
	log               *logrus.Entry
}

type Config struct {
	CPUSampleInterval time.Duration
	Log               *logrus.Logger
}

func NewCollector(cfg Config) *Collector {
	if cfg.CPUSampleInterval == 0 {
		cfg.CPUSampleInterval = defaultCPUSampleInterval
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Collector{
		cpuSampleInterval: cfg.CPUSampleInterval,
		log:               cfg.Log.WithField("component", "sysstats"),
	}
}

// Collect samples uptime, memory, CPU usage and CPU temperature. Individual
// sensors that fail are logged and omitted rather than failing the whole
// sample, so the returned map is always usable.
func (c *Collector) Collect(ctx context.Context) map[string]any {
	stats := make(map[string]any, 6)

	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		stats["uptime"] = uptime
	} else {
		c.log.WithError(err).Debug("uptime unavailable")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		stats["freeHeap"] = vm.Available
		stats["totalMemory"] = vm.Total
		stats["memoryUsage"] = vm.UsedPercent
	} else {
		c.log.WithError(err).Debug("memory stats unavailable")
	}

	if usage, err := cpu.PercentWithContext(ctx, c.cpuSampleInterval, false); err == nil && len(usage) > 0 {
		stats["cpuUsage"] = usage[0]
	} else if err != nil {
		c.log.WithError(err).Debug("cpu usage unavailable")
	}

	if temp, ok := c.cpuTemperature(ctx); ok {
		stats["cpuTemp"] = temp
	}

	return stats
}

func (c *Collector) cpuTemperature(ctx context.Context) (float64, bool) {
	temps, err := sensors.TemperaturesWithContext(ctx)
	if err != nil {
		c.log.WithError(err).Debug("temperature sensors unavailable")
		return 0, false
	}
	for _, t := range temps {
		for _, key := range cpuTempKeys {
			if strings.Contains(t.SensorKey, key) {
				return t.Temperature, true
			}
		}
	}
	return 0, false
}
