// Package mbus publishes Nexus lifecycle events (child state transitions,
// rebuild progress) in a wire format a collaborator process can subscribe
// to. The transport itself (the message broker) lives in the control plane;
// this package only defines the event types, the jsoniter codec, and a
// Publisher interface a transport adapter implements.
/*
 * Copyright (c) 2024, Nexus Storage Project. All rights reserved.
 */
package mbus

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/nexusfabric/nexus-engine/core/child"
	"github.com/nexusfabric/nexus-engine/core/rebuild"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type EventKind string

const (
	EventChildStateChanged EventKind = "child_state_changed"
	EventRebuildProgress   EventKind = "rebuild_progress"
)

// Event is the envelope put on the bus; Payload is one of the *Payload
// structs below, already encoded to keep Publisher implementations codec-
// agnostic about the inner shape.
type Event struct {
	Kind    EventKind `json:"kind"`
	Nexus   string    `json:"nexus"`
	Payload []byte    `json:"payload"`
}

type ChildStateChangedPayload struct {
	ChildURI string `json:"child_uri"`
	From     string `json:"from"`
	To       string `json:"to"`
	Reason   string `json:"reason"`
}

type RebuildProgressPayload struct {
	JobID           string `json:"job_id"`
	DestURI         string `json:"dest_uri"`
	State           string `json:"state"`
	SegmentsTotal   uint64 `json:"segments_total"`
	BlocksRecovered uint64 `json:"blocks_recovered"`
	BlocksRemaining uint64 `json:"blocks_remaining"`
}

// Publisher is implemented by whatever transport adapter the deployment
// wires in; nexusd's default is an in-process no-op (see NoopPublisher).
type Publisher interface {
	Publish(Event) error
}

// NoopPublisher discards every event; used when no external bus is
// configured so callers never need a nil check.
type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) error { return nil }

func encode(kind EventKind, nexus string, payload any) (Event, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: kind, Nexus: nexus, Payload: buf}, nil
}

// PublishChildStateChanged builds and publishes a child-state-change event;
// the nexus calls this from its child.Notifier hook.
func PublishChildStateChanged(p Publisher, nexus, childURI string, from, to child.State, reason child.FaultReason) error {
	ev, err := encode(EventChildStateChanged, nexus, ChildStateChangedPayload{
		ChildURI: childURI, From: from.String(), To: to.String(), Reason: reason.String(),
	})
	if err != nil {
		return err
	}
	return p.Publish(ev)
}

// PublishRebuildProgress builds and publishes a rebuild-progress event from
// a rebuild.Job's current Stats() snapshot.
func PublishRebuildProgress(p Publisher, nexus string, j *rebuild.Job) error {
	st := j.Stats()
	ev, err := encode(EventRebuildProgress, nexus, RebuildProgressPayload{
		JobID: j.ID, DestURI: j.DestURI, State: j.State().String(),
		SegmentsTotal: st.SegmentsTotal, BlocksRecovered: st.BlocksRecovered, BlocksRemaining: st.BlocksRemaining,
	})
	if err != nil {
		return err
	}
	return p.Publish(ev)
}

// Decode unmarshals an event's payload into dst (a pointer to one of the
// *Payload structs), for subscriber-side consumption.
func Decode(ev Event, dst any) error {
	return json.Unmarshal(ev.Payload, dst)
}
