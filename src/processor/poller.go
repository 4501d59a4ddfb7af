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

package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"indexbatcher/src/logging"
)

// Cycler is a backend driven by periodic polling cycles.
type Cycler interface {
	Cycle(ctx context.Context)
	Drained() bool
}

// Poll runs c's cycle every interval until it is drained or ctx is done. Cycles
// run back to back on one goroutine and never overlap.
func Poll(ctx context.Context, name string, c Cycler, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if c.Drained() {
			logging.Log(fmt.Sprintf("%s queue drained", name), slog.LevelInfo)
			return
		}
		c.Cycle(ctx)
		if c.Drained() {
			logging.Log(fmt.Sprintf("%s queue drained", name), slog.LevelInfo)
			return
		}
		select {
		case <-ctx.Done():
			logging.Log(fmt.Sprintf("Stopping %s poller: %v", name, ctx.Err()), slog.LevelInfo)
			return
		case <-ticker.C:
		}
	}
}
