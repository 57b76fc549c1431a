// Package metrics registers the Prometheus collectors surfacing Nexus,
// child, and rebuild state.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors is the process-wide metric set. One instance per nexusd.
type Collectors struct {
	NexusState       *prometheus.GaugeVec
	ChildIOPS        *prometheus.CounterVec
	ChildErrors      *prometheus.CounterVec
	RebuildProgress  *prometheus.GaugeVec
	FaultInjectHits  *prometheus.CounterVec
}

// New registers every collector against reg and returns the handle set.
// Pass prometheus.NewRegistry() for an isolated registry (tests) or
// prometheus.DefaultRegisterer for the process default.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		NexusState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nexus",
			Name:      "state",
			Help:      "Nexus state: 0=Online 1=Degraded 2=Faulted",
		}, []string{"nexus"}),
		ChildIOPS: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Subsystem: "child",
			Name:      "io_total",
			Help:      "completed I/O ops per child, by op type",
		}, []string{"nexus", "child", "op"}),
		ChildErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Subsystem: "child",
			Name:      "errors_total",
			Help:      "accounted I/O errors per child",
		}, []string{"nexus", "child"}),
		RebuildProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nexus",
			Subsystem: "rebuild",
			Name:      "segments_remaining",
			Help:      "dirty segments remaining for an in-flight rebuild job",
		}, []string{"nexus", "dest"}),
		FaultInjectHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nexus",
			Subsystem: "faultinjection",
			Name:      "hits_total",
			Help:      "number of times a registered injection fired",
		}, []string{"uri"}),
	}
	reg.MustRegister(c.NexusState, c.ChildIOPS, c.ChildErrors, c.RebuildProgress, c.FaultInjectHits)
	return c
}

func (c *Collectors) SetNexusState(nexus string, state int) {
	c.NexusState.WithLabelValues(nexus).Set(float64(state))
}

func (c *Collectors) IncChildIO(nexus, child, op string) {
	c.ChildIOPS.WithLabelValues(nexus, child, op).Inc()
}

func (c *Collectors) IncChildError(nexus, child string) {
	c.ChildErrors.WithLabelValues(nexus, child).Inc()
}

func (c *Collectors) SetRebuildRemaining(nexus, dest string, segments uint64) {
	c.RebuildProgress.WithLabelValues(nexus, dest).Set(float64(segments))
}

func (c *Collectors) AddFaultHits(uri string, n int64) {
	c.FaultInjectHits.WithLabelValues(uri).Add(float64(n))
}
