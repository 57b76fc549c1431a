// Metrics sink wiring: the Nexus reports state transitions, per-child I/O
// outcomes, and rebuild progress to whatever Prometheus collector set the
// daemon wired in, following the same named-interface + no-op-default
// shape as mbus.Publisher.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package nexus

// MetricsSink receives the observations metrics.Collectors exposes as
// Prometheus collectors; metrics.Collectors satisfies this structurally, so
// this package never imports metrics directly.
type MetricsSink interface {
	SetNexusState(nexus string, state int)
	IncChildIO(nexus, child, op string)
	IncChildError(nexus, child string)
	SetRebuildRemaining(nexus, dest string, segments uint64)
}

// NoopMetrics discards every observation; the default until SetMetrics is
// called, so callers never need a nil check on the hot path.
type NoopMetrics struct{}

func (NoopMetrics) SetNexusState(string, int)                  {}
func (NoopMetrics) IncChildIO(string, string, string)          {}
func (NoopMetrics) IncChildError(string, string)               {}
func (NoopMetrics) SetRebuildRemaining(string, string, uint64) {}
