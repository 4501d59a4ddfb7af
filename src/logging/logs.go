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

package logging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "go.opentelemetry.io/otel/indexbatcher/scheduler"

var (
	meter  = otel.Meter(instrumentationName)
	logger = otelslog.NewLogger(instrumentationName)
	tracer = otel.Tracer(instrumentationName)

	countersMu sync.Mutex
	counters   = map[string]metric.Int64Counter{}
)

// Metric names for task transitions.
const (
	MetricDispatched  = "batch_tasks_dispatched"
	MetricStarted     = "batch_tasks_started"
	MetricSucceeded   = "batch_tasks_succeeded"
	MetricFailed      = "batch_tasks_failed"
	MetricRescheduled = "batch_tasks_rescheduled"
	MetricFreeRAM     = "batch_free_ram_percent"
)

func Log(content string, level slog.Level) {
	logger.Log(context.Background(), level, content)
}

func LogAttrs(level slog.Level, content string, attrs ...slog.Attr) {
	logger.LogAttrs(context.Background(), level, content, attrs...)
}

func InitializeCounter(name, description, unit string) (metric.Int64Counter, error) {
	countersMu.Lock()
	defer countersMu.Unlock()
	if c, ok := counters[name]; ok {
		return c, nil
	}
	counter, err := meter.Int64Counter(name,
		metric.WithDescription(description),
		metric.WithUnit(unit))
	if err != nil {
		Log("Failed to create metric: "+err.Error(), slog.LevelError)
		return nil, err
	}
	counters[name] = counter
	return counter, nil
}

type counterDef struct {
	name, description string
}

var schedulerCounters = []counterDef{
	{MetricDispatched, "Work items claimed by a backend"},
	{MetricStarted, "Tasks started or submitted"},
	{MetricSucceeded, "Tasks that reached success"},
	{MetricFailed, "Task failures"},
	{MetricRescheduled, "Tasks returned to a pending queue"},
}

// InitializeSchedulerMetrics registers the transition counters and the free RAM
// gauge. Every counter is attempted; the errors of those that failed are joined.
func InitializeSchedulerMetrics() error {
	err := initializeCounters(schedulerCounters)
	initRAMGauge()
	return err
}

func initializeCounters(defs []counterDef) error {
	var errs []error
	for _, d := range defs {
		if _, err := InitializeCounter(d.name, d.description, "Task"); err != nil {
			errs = append(errs, fmt.Errorf("counter %s: %w", d.name, err))
		}
	}
	return errors.Join(errs...)
}

// Count adds one to the named counter for a backend. Unknown counters are created lazily.
func Count(name string, backend string) {
	counter, err := InitializeCounter(name, "", "Task")
	if err != nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attribute.String("backend", backend)))
}

func UpdateSpanValue(ctx context.Context, key string, value float64) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.Float64(key, value))
}

// StartSpan opens a span on the scheduler tracer.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}
