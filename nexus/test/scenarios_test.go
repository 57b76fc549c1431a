package test

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nexusfabric/nexus-engine/core/bdev"
	"github.com/nexusfabric/nexus-engine/core/child"
	"github.com/nexusfabric/nexus-engine/core/faultinjection"
	"github.com/nexusfabric/nexus-engine/core/nexus"
)

var uriCounter int64

func uniqueChildURI(sizeMB int) string {
	n := atomic.AddInt64(&uriCounter, 1)
	return fmt.Sprintf("malloc:///e2e-%d?size_mb=%d", n, sizeMB)
}

func scenarioParams() nexus.Params {
	return nexus.Params{
		SegmentSizeBytes:   64 * 1024,
		TaskPoolSize:       4,
		MaxTaskRetries:     2,
		MaxIoAttempts:      1,
		ErrorWindowDepth:   16,
		ErrorWindowRetNs:   int64(60 * 1e9),
		ErrorWindowMaxErrs: 10,
		NumCores:           2,
	}
}

const (
	mib         = 1 << 20
	s1SizeBytes = 50 * mib
	s1ChildMB   = 60
)

var _ = Describe("S1: basic replication", func() {
	It("writes a pattern and reads it back identically from every child's raw LBA range", func() {
		ctx := context.Background()
		a, b := uniqueChildURI(s1ChildMB), uniqueChildURI(s1ChildMB)
		n, err := nexus.Create(ctx, "s1", "uuid-s1", s1SizeBytes, []string{a, b}, scenarioParams())
		Expect(err).NotTo(HaveOccurred())

		pattern := bytes.Repeat([]byte{0xAA}, mib)
		_, err = n.Write(ctx, 0, [][]byte{pattern})
		Expect(err).NotTo(HaveOccurred())

		blockSize := int(n.BlockSize())
		for _, c := range n.Children() {
			buf := make([]byte, 2048*blockSize)
			Expect(c.ReadAt(ctx, 0, buf)).To(Succeed())
			Expect(buf[:mib]).To(Equal(pattern))
		}
		for _, c := range n.Children() {
			Expect(c.State()).To(Equal(child.StateOpen))
		}
	})
})

var _ = Describe("S2: child offline + online with partial rebuild", func() {
	It("rebuilds only the segments dirtied while offline and converges both children", func() {
		ctx := context.Background()
		a, b := uniqueChildURI(s1ChildMB), uniqueChildURI(s1ChildMB)
		n, err := nexus.Create(ctx, "s2", "uuid-s2", s1SizeBytes, []string{a, b}, scenarioParams())
		Expect(err).NotTo(HaveOccurred())

		pattern := bytes.Repeat([]byte{0xAA}, mib)
		_, err = n.Write(ctx, 0, [][]byte{pattern})
		Expect(err).NotTo(HaveOccurred())

		Expect(n.OfflineChild(ctx, b)).To(Succeed())

		blockSize := uint64(n.BlockSize())
		offsetBlk := (10 * mib) / blockSize
		cntBlk := (4 * mib) / blockSize
		payload := bytes.Repeat([]byte{0x55}, int(cntBlk*blockSize))
		_, err = n.Write(ctx, offsetBlk, [][]byte{payload})
		Expect(err).NotTo(HaveOccurred())

		Expect(n.OnlineChild(ctx, b)).To(Succeed())

		job, ok := n.RebuildRegistry().Get(b)
		if ok {
			maxDirtyBlocks := uint64(4*mib) / blockSize
			Expect(job.Stats().BlocksRemaining).To(BeNumerically("<=", maxDirtyBlocks))
		}

		Eventually(func() child.State {
			c, _ := n.GetChild(b)
			return c.State()
		}, "5s", "10ms").Should(Equal(child.StateOpen))

		readVia := func(readAt func([]byte) error) []byte {
			buf := make([]byte, len(payload))
			Expect(readAt(buf)).To(Succeed())
			return buf
		}
		Expect(readVia(func(buf []byte) error { return n.Read(ctx, offsetBlk, buf) })).To(Equal(payload))

		ca, _ := n.GetChild(a)
		cb, _ := n.GetChild(b)
		Expect(readVia(func(buf []byte) error { return ca.ReadAt(ctx, offsetBlk, buf) })).To(Equal(payload))
		Expect(readVia(func(buf []byte) error { return cb.ReadAt(ctx, offsetBlk, buf) })).To(Equal(payload))
	})
})

var _ = Describe("S3: fault on I/O error", func() {
	It("absorbs writes on the healthy child and faults the injected child after the error window is exceeded", func() {
		ctx := context.Background()
		healthy := uniqueChildURI(16)
		faulty := uniqueChildURI(16)
		n, err := nexus.Create(ctx, "s3", "uuid-s3", 4*mib, []string{healthy, faulty}, scenarioParams())
		Expect(err).NotTo(HaveOccurred())

		c, ok := n.GetChild(faulty)
		Expect(ok).To(BeTrue())
		deviceName := c.DeviceName()

		spec, err := faultinjection.Default.Add(fmt.Sprintf("inject://%s?domain=block&op=w&method=status-nvme", deviceName))
		Expect(err).NotTo(HaveOccurred())
		defer faultinjection.Default.Remove(spec.URI)

		for i := 0; i < 1000; i++ {
			payload := bytes.Repeat([]byte{byte(i)}, int(n.BlockSize()))
			_, err := n.Write(ctx, uint64(i%64), [][]byte{payload})
			Expect(err).NotTo(HaveOccurred())
		}

		Eventually(func() child.State {
			c, _ := n.GetChild(faulty)
			return c.State()
		}, "2s", "10ms").Should(Equal(child.StateFaulted))
		Expect(c.Reason()).To(Equal(child.ReasonIoError))
		Expect(n.State()).To(Equal(nexus.StateDegraded))
	})
})

var _ = Describe("S4: remove-last-healthy guard", func() {
	It("refuses to remove the only child and leaves the nexus unchanged", func() {
		ctx := context.Background()
		uri := uniqueChildURI(16)
		n, err := nexus.Create(ctx, "s4", "uuid-s4", 4*mib, []string{uri}, scenarioParams())
		Expect(err).NotTo(HaveOccurred())

		err = n.RemoveChild(ctx, uri)
		Expect(err).To(MatchError(nexus.ErrPrecondition))
		Expect(len(n.Children())).To(Equal(1))
		Expect(n.State()).To(Equal(nexus.StateOnline))
	})
})

var _ = Describe("S5: custom snapshot opcode fan-out", func() {
	It("fans admin opcode 0xC0 out to every replica, succeeding only if every child acks", func() {
		ctx := context.Background()
		a, b := uniqueChildURI(16), uniqueChildURI(16)
		n, err := nexus.Create(ctx, "s5", "uuid-s5", 4*mib, []string{a, b}, scenarioParams())
		Expect(err).NotTo(HaveOccurred())

		var cdw10, cdw11 uint32 = 1700000000, 0
		err = n.AdminPassthrough(ctx, bdev.OpcCreateSnapshot, cdw10, cdw11, nil)
		Expect(err).NotTo(HaveOccurred())

		Expect(n.OfflineChild(ctx, b)).To(Succeed())
		err = n.AdminPassthrough(ctx, bdev.OpcCreateSnapshot, cdw10, cdw11, nil)
		Expect(err).NotTo(HaveOccurred(), "admin passthrough only fans out to Open children")

		Expect(n.FaultChild(ctx, a, child.ReasonIoError)).To(Succeed())
		err = n.AdminPassthrough(ctx, bdev.OpcCreateSnapshot, cdw10, cdw11, nil)
		Expect(err).To(MatchError(nexus.ErrNoHealthyChildren))
	})
})

var _ = Describe("S6: concurrent write and rebuild correctness", func() {
	It("keeps every replica byte-identical over the rebuilt range despite writes racing the rebuild", func() {
		ctx := context.Background()
		a := uniqueChildURI(16)
		n, err := nexus.Create(ctx, "s6", "uuid-s6", 4*mib, []string{a}, scenarioParams())
		Expect(err).NotTo(HaveOccurred())

		blockSize := uint64(n.BlockSize())
		numBlocks := n.SizeBytes() / blockSize

		var stopWriters atomic.Bool
		var wg sync.WaitGroup
		writeErrs := make(chan error, 64)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(seed int64) {
				defer wg.Done()
				rnd := rand.New(rand.NewSource(seed))
				for !stopWriters.Load() {
					lbn := uint64(rnd.Intn(int(numBlocks) - 8))
					buf := bytes.Repeat([]byte{byte(rnd.Intn(256))}, 8*int(blockSize))
					if _, err := n.Write(ctx, lbn, [][]byte{buf}); err != nil {
						writeErrs <- err
						return
					}
				}
			}(int64(i) + 1)
		}

		b := uniqueChildURI(16)
		_, err = n.AddChild(ctx, b, false)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() child.State {
			c, _ := n.GetChild(b)
			return c.State()
		}, "10s", "10ms").Should(Equal(child.StateOpen))

		time.Sleep(20 * time.Millisecond) // let a few more writes race the now-Open child
		stopWriters.Store(true)
		wg.Wait()
		close(writeErrs)
		for err := range writeErrs {
			Expect(err).NotTo(HaveOccurred())
		}

		ca, _ := n.GetChild(a)
		cb, _ := n.GetChild(b)
		bufA := make([]byte, numBlocks*blockSize)
		bufB := make([]byte, numBlocks*blockSize)
		Expect(ca.ReadAt(ctx, 0, bufA)).To(Succeed())
		Expect(cb.ReadAt(ctx, 0, bufB)).To(Succeed())
		Expect(bufB).To(Equal(bufA))
	})
})
