// Copyright (C) 2025 Hother OSS (oss@hother.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

//go:build linux

package cancelable

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// -----------------------------------------------------------------------------
// Resource Probe (linux)
// -----------------------------------------------------------------------------

// resourceProbe samples system memory, CPU, and disk usage. CPU usage is
// computed as a delta between consecutive samples, so the first sample
// reports 0% CPU.
type resourceProbe struct {
	mu        sync.Mutex
	prevIdle  uint64
	prevTotal uint64
}

func newResourceProbe() *resourceProbe {
	return &resourceProbe{}
}

func (p *resourceProbe) sample(diskPath string) (resourceUsage, error) {
	var usage resourceUsage

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return usage, fmt.Errorf("sysinfo: %w", err)
	}
	total := uint64(info.Totalram) * uint64(info.Unit)
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * uint64(info.Unit)
	if total > 0 {
		usage.MemoryPercent = float64(total-free) / float64(total) * 100
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(diskPath, &fs); err != nil {
		return usage, fmt.Errorf("statfs %s: %w", diskPath, err)
	}
	if fs.Blocks > 0 {
		used := fs.Blocks - fs.Bavail
		usage.DiskPercent = float64(used) / float64(fs.Blocks) * 100
	}

	cpu, err := p.sampleCPU()
	if err != nil {
		return usage, err
	}
	usage.CPUPercent = cpu
	return usage, nil
}

// sampleCPU reads the aggregate line of /proc/stat and returns busy time as a
// percentage of the delta since the previous call.
func (p *resourceProbe) sampleCPU() (float64, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, fmt.Errorf("read /proc/stat: %w", err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("unexpected /proc/stat format")
	}

	var total, idle uint64
	for i, field := range fields[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse /proc/stat: %w", err)
		}
		total += v
		// fields: user nice system idle iowait ...
		if i == 3 || i == 4 {
			idle += v
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	dTotal := total - p.prevTotal
	dIdle := idle - p.prevIdle
	first := p.prevTotal == 0
	p.prevTotal, p.prevIdle = total, idle
	if first || dTotal == 0 {
		return 0, nil
	}
	return float64(dTotal-dIdle) / float64(dTotal) * 100, nil
}
