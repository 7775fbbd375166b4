// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vram

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/AleutianAI/kodiak/services/orchestrator/datatypes"
)

// MemorySampler reads system memory state from procfs. On unified-memory
// DGX-class systems GPU and host memory are one pool, so /proc/meminfo and
// PSI are the truth, not nvidia-smi.
type MemorySampler struct {
	procRoot string
	logger   *slog.Logger
}

// NewMemorySampler builds a sampler rooted at procRoot (normally "/proc";
// tests point it at a fixture directory).
func NewMemorySampler(procRoot string, logger *slog.Logger) *MemorySampler {
	if procRoot == "" {
		procRoot = "/proc"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemorySampler{procRoot: procRoot, logger: logger}
}

const bytesPerGB = 1024 * 1024 * 1024

// Sample reads meminfo and memory PSI. Missing files (non-Linux dev boxes,
// kernels without PSI) degrade to zero values rather than failing.
func (s *MemorySampler) Sample() datatypes.MemoryPressure {
	var p datatypes.MemoryPressure
	s.parseMeminfo(&p)
	s.parsePSI(&p)
	return p
}

func (s *MemorySampler) parseMeminfo(p *datatypes.MemoryPressure) {
	f, err := os.Open(filepath.Join(s.procRoot, "meminfo"))
	if err != nil {
		return
	}
	defer f.Close()

	var totalKB, availKB int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		val := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), "kB"))
		n, _ := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		switch strings.TrimSpace(parts[0]) {
		case "MemTotal":
			totalKB = n
		case "MemAvailable":
			availKB = n
		}
	}
	p.TotalGB = float64(totalKB) * 1024 / bytesPerGB
	p.AvailableGB = float64(availKB) * 1024 / bytesPerGB
	p.UsedGB = p.TotalGB - p.AvailableGB
}

// parsePSI reads /proc/pressure/memory lines of the form:
//
//	some avg10=0.00 avg60=0.00 avg300=0.00 total=0
//	full avg10=0.00 avg60=0.00 avg300=0.00 total=0
func (s *MemorySampler) parsePSI(p *datatypes.MemoryPressure) {
	f, err := os.Open(filepath.Join(s.procRoot, "pressure/memory"))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		var avg10 float64
		for _, fld := range fields[1:] {
			if v, ok := strings.CutPrefix(fld, "avg10="); ok {
				avg10, _ = strconv.ParseFloat(v, 64)
			}
		}
		switch fields[0] {
		case "some":
			p.PSISomeAvg10 = avg10
		case "full":
			p.PSIFullAvg10 = avg10
		}
	}
}

// CPUUtilization approximates utilization as the 1-minute load average
// over the core count, as a percentage capped at 100. Missing loadavg
// (non-Linux dev boxes) degrades to zero.
func (s *MemorySampler) CPUUtilization() float64 {
	raw, err := os.ReadFile(filepath.Join(s.procRoot, "loadavg"))
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	pct := 100 * load / float64(runtime.NumCPU())
	if pct > 100 {
		return 100
	}
	return pct
}

// DropCaches asks the kernel to flush the buffer cache ahead of a large
// model admission. Needs root; permission errors are logged and ignored.
func (s *MemorySampler) DropCaches() {
	path := filepath.Join(s.procRoot, "sys/vm/drop_caches")
	if err := os.WriteFile(path, []byte("3\n"), 0o200); err != nil {
		s.logger.Debug("Buffer cache flush skipped", "error", err)
		return
	}
	s.logger.Info("Flushed buffer cache before model admission")
}
