// Copyright (c) 2026 The VeChainThor developers

// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

//go:build linux

package metrics

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

type ioStats struct {
	readSyscalls  int64
	writeSyscalls int64
	readBytes     int64
	writeBytes    int64
}

// ioCollector reads /proc/self/io and exposes it as four Prometheus
// counters. It's deliberately narrow: the process-wide CPU/memory
// collectors the upstream node ships are out of scope for this daemon.
type ioCollector struct {
	readSyscalls  *prometheus.Desc
	writeSyscalls *prometheus.Desc
	readBytes     *prometheus.Desc
	writeBytes    *prometheus.Desc
}

// NewIOCollector creates a collector for the current process's I/O
// accounting counters.
func NewIOCollector() *ioCollector {
	return &ioCollector{
		readSyscalls:  prometheus.NewDesc("voteguard_metrics_process_read_syscalls_total", "Number of read(2) syscalls issued by the process.", nil, nil),
		writeSyscalls: prometheus.NewDesc("voteguard_metrics_process_write_syscalls_total", "Number of write(2) syscalls issued by the process.", nil, nil),
		readBytes:     prometheus.NewDesc("voteguard_metrics_process_read_bytes_total", "Bytes actually read from storage by the process.", nil, nil),
		writeBytes:    prometheus.NewDesc("voteguard_metrics_process_write_bytes_total", "Bytes actually written to storage by the process.", nil, nil),
	}
}

// NewProcessCollector creates the process-level collector. Today it covers
// I/O accounting only. The daemon does not register it, so it is not part
// of what /metrics serves.
func NewProcessCollector() *ioCollector {
	return NewIOCollector()
}

func (c *ioCollector) getIOStats() (*ioStats, error) {
	f, err := os.Open("/proc/self/io")
	if err != nil {
		return nil, fmt.Errorf("open /proc/self/io: %w", err)
	}
	defer f.Close()

	stats := &ioStats{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "syscr":
			stats.readSyscalls = value
		case "syscw":
			stats.writeSyscalls = value
		case "read_bytes":
			stats.readBytes = value
		case "write_bytes":
			stats.writeBytes = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan /proc/self/io: %w", err)
	}
	return stats, nil
}

// Describe implements prometheus.Collector.
func (c *ioCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.readSyscalls
	ch <- c.writeSyscalls
	ch <- c.readBytes
	ch <- c.writeBytes
}

// Collect implements prometheus.Collector.
func (c *ioCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.getIOStats()
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.readSyscalls, prometheus.CounterValue, float64(stats.readSyscalls))
	ch <- prometheus.MustNewConstMetric(c.writeSyscalls, prometheus.CounterValue, float64(stats.writeSyscalls))
	ch <- prometheus.MustNewConstMetric(c.readBytes, prometheus.CounterValue, float64(stats.readBytes))
	ch <- prometheus.MustNewConstMetric(c.writeBytes, prometheus.CounterValue, float64(stats.writeBytes))
}
