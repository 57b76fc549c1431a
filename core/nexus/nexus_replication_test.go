package nexus_test

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nexusfabric/nexus-engine/core/child"
	"github.com/nexusfabric/nexus-engine/core/nexus"
)

var uriCounter int64

func uniqueChildURI() string {
	n := atomic.AddInt64(&uriCounter, 1)
	return fmt.Sprintf("malloc:///nx-%d?size_mb=4", n)
}

func testParams() nexus.Params {
	return nexus.Params{
		SegmentSizeBytes:   64 * 1024,
		TaskPoolSize:       2,
		MaxTaskRetries:     1,
		MaxIoAttempts:      2,
		ErrorWindowDepth:   16,
		ErrorWindowRetNs:   int64(60 * 1e9),
		ErrorWindowMaxErrs: 100,
		NumCores:           2,
	}
}

const testNexusSizeBytes = 1 << 20 // 1MiB, well under the 4MiB child size

var _ = Describe("Nexus replication", func() {
	var (
		ctx  context.Context
		uris []string
		n    *nexus.Nexus
	)

	BeforeEach(func() {
		ctx = context.Background()
		uris = []string{uniqueChildURI(), uniqueChildURI()}
		var err error
		n, err = nexus.Create(ctx, "test-nexus", "uuid-1", testNexusSizeBytes, uris, testParams())
		Expect(err).NotTo(HaveOccurred())
		Expect(n.State()).To(Equal(nexus.StateOnline))
	})

	It("fans a write out to every open child", func() {
		payload := bytes.Repeat([]byte{0x42}, int(n.BlockSize()))
		_, err := n.Write(ctx, 0, [][]byte{payload})
		Expect(err).NotTo(HaveOccurred())

		for _, c := range n.Children() {
			buf := make([]byte, n.BlockSize())
			Expect(c.ReadAt(ctx, 0, buf)).To(Succeed())
			Expect(buf).To(Equal(payload))
		}
	})

	It("degrades and keeps serving writes when one child goes offline", func() {
		target := uris[0]
		Expect(n.OfflineChild(ctx, target)).To(Succeed())
		Expect(n.State()).To(Equal(nexus.StateDegraded))

		payload := bytes.Repeat([]byte{0x7, 0x7}, int(n.BlockSize())/2)
		_, err := n.Write(ctx, 10, [][]byte{payload})
		Expect(err).NotTo(HaveOccurred())

		c, ok := n.GetChild(target)
		Expect(ok).To(BeTrue())
		Expect(c.State()).To(Equal(child.StateDegraded))
		Expect(c.Reason()).To(Equal(child.ReasonByClient))
	})

	It("rebuilds an offlined child back to Open on online_child", func() {
		target := uris[0]
		Expect(n.OfflineChild(ctx, target)).To(Succeed())

		payload := bytes.Repeat([]byte{0x9}, int(n.BlockSize()))
		_, err := n.Write(ctx, 50, [][]byte{payload})
		Expect(err).NotTo(HaveOccurred())

		Expect(n.OnlineChild(ctx, target)).To(Succeed())

		Eventually(func() child.State {
			c, _ := n.GetChild(target)
			return c.State()
		}, "5s", "10ms").Should(Equal(child.StateOpen))

		c, _ := n.GetChild(target)
		buf := make([]byte, n.BlockSize())
		Expect(c.ReadAt(ctx, 50, buf)).To(Succeed())
		Expect(buf).To(Equal(payload))
	})

	It("refuses to remove the last healthy child", func() {
		Expect(n.OfflineChild(ctx, uris[0])).To(Succeed())
		err := n.RemoveChild(ctx, uris[1])
		Expect(err).To(MatchError(nexus.ErrPrecondition))
	})

	It("rejects add_child for a uri already present", func() {
		_, err := n.AddChild(ctx, uris[0], true)
		Expect(err).To(MatchError(nexus.ErrAlreadyExists))
	})

	It("schedules a full rebuild when a new child is added", func() {
		newURI := uniqueChildURI()
		state, err := n.AddChild(ctx, newURI, false)
		Expect(err).NotTo(HaveOccurred())
		Expect(state).To(Equal(child.StateDegraded))

		Eventually(func() child.State {
			c, _ := n.GetChild(newURI)
			return c.State()
		}, "5s", "10ms").Should(Equal(child.StateOpen))
	})
})
