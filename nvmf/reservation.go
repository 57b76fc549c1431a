package nvmf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveReservationKey derives the per-Nexus NVMe reservation key from its
// UUID. The key is stable for the lifetime of the Nexus and never
// transmitted in cleartext alongside the UUID it was derived from.
func DeriveReservationKey(nexusUUID string) uint64 {
	return derive(nexusUUID, "nexus-reservation-key")
}

// DerivePreemptKey derives the per-(Nexus,publish) preempt key used when a
// new initiator takes over a reservation from a prior host.
func DerivePreemptKey(nexusUUID, hostNQN string) uint64 {
	return derive(nexusUUID+"|"+hostNQN, "nexus-preempt-key")
}

func derive(secret, info string) uint64 {
	h := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	var out [8]byte
	if _, err := io.ReadFull(h, out[:]); err != nil {
		panic("nvmf: hkdf expand: " + err.Error()) // an 8-byte read is far below HKDF-SHA256's output limit, so it cannot fail
	}
	var v uint64
	for _, b := range out {
		v = v<<8 | uint64(b)
	}
	return v
}
