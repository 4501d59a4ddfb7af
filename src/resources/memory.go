// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package resources

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"indexbatcher/src/logging"
)

const defaultMemInfoPath = "/proc/meminfo"

// Sampler reports the percentage of free system memory.
type Sampler interface {
	FreeMemoryPercent() int
}

// Monitor samples free memory from the meminfo pseudo-file, then the OS
// memory API. When both fail it reports 100 so scheduling is never blocked
// by a monitoring failure.
type Monitor struct {
	MemInfoPath string
	fallback    func() (int, error)
}

func NewMonitor() *Monitor {
	return &Monitor{MemInfoPath: defaultMemInfoPath, fallback: sysinfoFreePercent}
}

func (m *Monitor) FreeMemoryPercent() int {
	path := m.MemInfoPath
	if path == "" {
		path = defaultMemInfoPath
	}
	perc, err := readMemInfo(path)
	if err == nil {
		return perc
	}
	logging.Log(fmt.Sprintf("Could not read %s, falling back to sysinfo: %v", path, err), slog.LevelWarn)

	if m.fallback != nil {
		perc, err = m.fallback()
		if err == nil {
			return perc
		}
		logging.Log(fmt.Sprintf("Could not determine free RAM using sysinfo: %v", err), slog.LevelWarn)
	}

	logging.Log("Could not determine free RAM percentage. Assuming 100%.", slog.LevelWarn)
	return 100
}

func readMemInfo(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return parseMemInfo(f)
}

func parseMemInfo(r io.Reader) (int, error) {
	var total, available int64 = -1, -1
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			v, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse MemTotal: %w", err)
			}
			total = v
		case "MemAvailable:":
			v, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse MemAvailable: %w", err)
			}
			available = v
		}
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if total <= 0 || available < 0 {
		return 0, fmt.Errorf("MemTotal/MemAvailable missing")
	}
	return int(available * 100 / total), nil
}
