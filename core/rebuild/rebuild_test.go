package rebuild

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nexusfabric/nexus-engine/cmn/cos"
	"github.com/nexusfabric/nexus-engine/core/segmap"
)

const testBlockSize = 512

// memDevice is an in-memory BlockReaderWriter used to test the task pool
// and range-locking without a real block device.
type memDevice struct {
	mu   sync.Mutex
	data []byte

	// failNext makes the next N ReadAt/WriteAt calls on this device fail
	// with failErr (errBoom, an unclassified error, unless overridden).
	failNext int
	failErr  error
}

func newMemDevice(sizeBlocks uint64) *memDevice {
	return &memDevice{data: make([]byte, sizeBlocks*testBlockSize)}
}

func (m *memDevice) BlockSizeBytes() uint32 { return testBlockSize }

func (m *memDevice) failure() error {
	if m.failErr != nil {
		return m.failErr
	}
	return errBoom
}

func (m *memDevice) ReadAt(_ context.Context, offset uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return m.failure()
	}
	off := offset * testBlockSize
	copy(buf, m.data[off:off+uint64(len(buf))])
	return nil
}

func (m *memDevice) WriteAt(_ context.Context, offset uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return m.failure()
	}
	off := offset * testBlockSize
	copy(m.data[off:off+uint64(len(buf))], buf)
	return nil
}

func (m *memDevice) Unmap(_ context.Context, offset, length uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return m.failure()
	}
	off := offset * testBlockSize
	for i := range m.data[off : off+length*testBlockSize] {
		m.data[off+uint64(i)] = 0
	}
	return nil
}

func (m *memDevice) WriteZeroes(ctx context.Context, offset, length uint64) error {
	return m.Unmap(ctx, offset, length)
}

type boomErr string

func (e boomErr) Error() string { return string(e) }

var errBoom = boomErr("boom")

type collectingNotifier struct {
	mu     sync.Mutex
	states []State
}

func (n *collectingNotifier) OnRebuildStateChange(j *Job) {
	n.mu.Lock()
	n.states = append(n.states, j.State())
	n.mu.Unlock()
}

func runToCompletion(t *testing.T, j *Job) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild job did not finish in time")
	}
}

func TestFullRebuildCopiesEverySegment(t *testing.T) {
	const numBlocks = 256 // 2 segments at 128 blocks/segment (64KiB/512B)
	src := newMemDevice(numBlocks)
	dst := newMemDevice(numBlocks)
	for i := range src.data {
		src.data[i] = byte(i % 251)
	}

	dirty := segmap.FullyDirty(numBlocks, testBlockSize, 64*1024)
	j := NewJob("src", "dst", src, dst, dirty, 2, 1)
	notif := &collectingNotifier{}
	j.Notifier = notif

	runToCompletion(t, j)

	if j.State() != StateCompleted {
		t.Fatalf("expected Completed, got %s", j.State())
	}
	if !bytes.Equal(src.data, dst.data) {
		t.Fatal("expected destination to match source after full rebuild")
	}
	if j.Dirty.CountOnes() != 0 {
		t.Fatalf("expected every segment cleared, got %d still dirty", j.Dirty.CountOnes())
	}
}

func TestPartialRebuildOnlyCopiesDirtySegments(t *testing.T) {
	const numBlocks = 256
	src := newMemDevice(numBlocks)
	dst := newMemDevice(numBlocks)
	for i := range src.data {
		src.data[i] = 0xAB
	}
	// Seed dst's first segment with a sentinel so we can prove it was left
	// untouched by the rebuild.
	for i := 0; i < 128*testBlockSize; i++ {
		dst.data[i] = 0xFF
	}

	dirty := segmap.New(numBlocks, testBlockSize, 64*1024)
	dirty.Set(128, 1, true) // only segment 1 dirty

	j := NewJob("src", "dst", src, dst, dirty, 2, 1)
	runToCompletion(t, j)

	if j.State() != StateCompleted {
		t.Fatalf("expected Completed, got %s", j.State())
	}
	for i := 0; i < 128*testBlockSize; i++ {
		if dst.data[i] != 0xFF {
			t.Fatal("partial rebuild must not touch clean segments")
		}
	}
	if !bytes.Equal(src.data[128*testBlockSize:], dst.data[128*testBlockSize:]) {
		t.Fatal("expected dirty segment to be copied")
	}
}

func TestRetriesAbsorbTransientFailure(t *testing.T) {
	const numBlocks = 128
	src := newMemDevice(numBlocks)
	dst := newMemDevice(numBlocks)
	dst.failNext = 1 // first write attempt fails, second (retry) succeeds

	dirty := segmap.FullyDirty(numBlocks, testBlockSize, 64*1024)
	j := NewJob("src", "dst", src, dst, dirty, 1, 2)
	runToCompletion(t, j)

	if j.State() != StateCompleted {
		t.Fatalf("expected retry to absorb transient failure, got %s", j.State())
	}
}

func TestExhaustedRetriesFailsJob(t *testing.T) {
	const numBlocks = 128
	src := newMemDevice(numBlocks)
	dst := newMemDevice(numBlocks)
	dst.failNext = 10 // always fails, exceeds retry budget
	dst.failErr = cos.NewDeviceError(cos.ErrIoFailed, "write", errBoom)

	dirty := segmap.FullyDirty(numBlocks, testBlockSize, 64*1024)
	j := NewJob("src", "dst", src, dst, dirty, 1, 1)
	runToCompletion(t, j)

	if j.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", j.State())
	}
	if j.FailReason() != FailDataTransfer {
		t.Fatalf("expected FailDataTransfer, got %s", j.FailReason())
	}
}

func TestExhaustedRetriesClassifiesNoSpace(t *testing.T) {
	const numBlocks = 128
	src := newMemDevice(numBlocks)
	dst := newMemDevice(numBlocks)
	dst.failNext = 10
	dst.failErr = cos.NewDeviceError(cos.ErrLvolNoSpace, "write", errBoom)

	dirty := segmap.FullyDirty(numBlocks, testBlockSize, 64*1024)
	j := NewJob("src", "dst", src, dst, dirty, 1, 1)
	runToCompletion(t, j)

	if j.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", j.State())
	}
	if j.FailReason() != FailNoSpace {
		t.Fatalf("expected FailNoSpace, got %s", j.FailReason())
	}
}

func TestExhaustedRetriesClassifiesInternal(t *testing.T) {
	const numBlocks = 128
	src := newMemDevice(numBlocks)
	dst := newMemDevice(numBlocks)
	dst.failNext = 10 // unclassified error (not a cos.DeviceError)

	dirty := segmap.FullyDirty(numBlocks, testBlockSize, 64*1024)
	j := NewJob("src", "dst", src, dst, dirty, 1, 1)
	runToCompletion(t, j)

	if j.State() != StateFailed {
		t.Fatalf("expected Failed, got %s", j.State())
	}
	if j.FailReason() != FailInternal {
		t.Fatalf("expected FailInternal, got %s", j.FailReason())
	}
}

// corruptDevice stores every write with its first byte flipped, so the
// post-write read-back verification can never match.
type corruptDevice struct{ *memDevice }

func (c *corruptDevice) WriteAt(ctx context.Context, offset uint64, buf []byte) error {
	mangled := make([]byte, len(buf))
	copy(mangled, buf)
	mangled[0] ^= 0xFF
	return c.memDevice.WriteAt(ctx, offset, mangled)
}

func TestReadbackMismatchFailsTask(t *testing.T) {
	const numBlocks = 128
	src := newMemDevice(numBlocks)
	for i := range src.data {
		src.data[i] = 0x5A
	}
	dst := &corruptDevice{newMemDevice(numBlocks)}

	dirty := segmap.FullyDirty(numBlocks, testBlockSize, 64*1024)
	j := NewJob("src", "dst", src, dst, dirty, 1, 1)
	runToCompletion(t, j)

	if j.State() != StateFailed {
		t.Fatalf("expected Failed on persistent readback mismatch, got %s", j.State())
	}
	if j.FailReason() != FailDataTransfer {
		t.Fatalf("expected FailDataTransfer, got %s", j.FailReason())
	}
}

func TestStopHaltsScheduling(t *testing.T) {
	const numBlocks = 256
	src := newMemDevice(numBlocks)
	dst := newMemDevice(numBlocks)

	dirty := segmap.FullyDirty(numBlocks, testBlockSize, 64*1024)
	j := NewJob("src", "dst", src, dst, dirty, 1, 1)
	j.Stop()
	runToCompletion(t, j)

	if j.State() != StateStopped {
		t.Fatalf("expected Stopped, got %s", j.State())
	}
}

func TestPauseBlocksUntilResume(t *testing.T) {
	const numBlocks = 256
	src := newMemDevice(numBlocks)
	dst := newMemDevice(numBlocks)

	dirty := segmap.FullyDirty(numBlocks, testBlockSize, 64*1024)
	j := NewJob("src", "dst", src, dst, dirty, 1, 1)
	j.Pause()

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()

	// Give the scheduler a chance to observe the pause and block.
	time.Sleep(50 * time.Millisecond)
	if j.State() != StatePaused {
		t.Fatalf("expected Paused, got %s", j.State())
	}

	j.Resume()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild job did not finish after resume")
	}
	if j.State() != StateCompleted {
		t.Fatalf("expected Completed after resume, got %s", j.State())
	}
}

func TestRangeLockSerializesConcurrentAccessToSameSegment(t *testing.T) {
	rl := NewRangeLock()
	var (
		mu      sync.Mutex
		active  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := rl.LockSegs(3, 3)
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected at most 1 concurrent holder of the same segment lock, saw %d", maxSeen)
	}
}
