package faultinjection

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/nexusfabric/nexus-engine/cmn/cos"
	"github.com/nexusfabric/nexus-engine/cmn/mono"
)

func TestAddRejectsWrongScheme(t *testing.T) {
	r := New()
	if _, err := r.Add("http://dev0?domain=block"); err == nil {
		t.Fatal("expected error for non-inject:// scheme")
	}
}

func TestAddRejectsUnknownDomain(t *testing.T) {
	r := New()
	if _, err := r.Add("inject://dev0?domain=bogus"); err == nil {
		t.Fatal("expected error for unknown domain")
	}
}

func TestAddDefaultsOpAndStage(t *testing.T) {
	r := New()
	s, err := r.Add("inject://dev0?domain=block")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Op != OpReadWrite {
		t.Fatalf("expected default op rw, got %v", s.Op)
	}
	if s.Stage != StageSubmission {
		t.Fatalf("expected default stage submit, got %v", s.Stage)
	}
	if s.Method != MethodStatus || s.ErrKind != cos.ErrIoFailed {
		t.Fatalf("expected default method status/io_failed, got %v/%v", s.Method, s.ErrKind)
	}
}

func TestAddParsesStatusKindVariants(t *testing.T) {
	cases := map[string]cos.ErrKind{
		"status-nomem":   cos.ErrNoMemory,
		"status-nospace": cos.ErrLvolNoSpace,
		"status-admin":   cos.ErrAdminFailed,
		"status-nvme":    cos.ErrNvmeError,
	}
	for method, want := range cases {
		r := New()
		s, err := r.Add("inject://dev0?domain=block&method=" + method)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", method, err)
		}
		if s.ErrKind != want {
			t.Fatalf("%s: expected %v, got %v", method, want, s.ErrKind)
		}
	}
}

func TestAddParsesLbaRange(t *testing.T) {
	r := New()
	s, err := r.Add("inject://dev0?domain=block&offset=100&num_blk=10")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.HasLba || s.LbaStart != 100 || s.LbaEnd != 109 {
		t.Fatalf("expected lba range [100,109], got [%d,%d] has=%v", s.LbaStart, s.LbaEnd, s.HasLba)
	}
}

func TestAddParsesHitLimit(t *testing.T) {
	r := New()
	s, err := r.Add("inject://dev0?domain=block&hits=3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.MaxHits != 3 {
		t.Fatalf("expected MaxHits 3, got %d", s.MaxHits)
	}
}

func TestInjectSubmissionMatchesOpAndDevice(t *testing.T) {
	r := New()
	if _, err := r.Add("inject://dev0?domain=block&op=w&stage=submit"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.InjectSubmission("dev0", OpRead, 0); err != nil {
		t.Fatalf("read on a write-only injection must pass through, got %v", err)
	}
	if err := r.InjectSubmission("dev1", OpWrite, 0); err != nil {
		t.Fatalf("different device must not match, got %v", err)
	}
	if err := r.InjectSubmission("dev0", OpWrite, 0); err == nil {
		t.Fatal("expected injected submission error")
	}
}

func TestInjectSubmissionRespectsLbaFilter(t *testing.T) {
	r := New()
	if _, err := r.Add("inject://dev0?domain=block&offset=100&num_blk=10"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.InjectSubmission("dev0", OpReadWrite, 0); err != nil {
		t.Fatalf("lba outside range must pass through, got %v", err)
	}
	if err := r.InjectSubmission("dev0", OpReadWrite, 105); err == nil {
		t.Fatal("expected injected error within lba range")
	}
}

func TestInjectSubmissionRespectsHitLimit(t *testing.T) {
	r := New()
	if _, err := r.Add("inject://dev0?domain=block&hits=2"); err != nil {
		t.Fatalf("add: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := r.InjectSubmission("dev0", OpReadWrite, 0); err == nil {
			t.Fatalf("expected injection to fire on hit %d", i)
		}
	}
	if err := r.InjectSubmission("dev0", OpReadWrite, 0); err != nil {
		t.Fatal("expected injection to stop firing once the hit budget is spent")
	}
}

func TestInjectCompletionDataCorruptsBufferAndPreservesStatus(t *testing.T) {
	r := New()
	if _, err := r.Add("inject://dev0?domain=block&stage=compl&method=data"); err != nil {
		t.Fatalf("add: %v", err)
	}
	buf := make([]byte, 16)
	err := r.InjectCompletion("dev0", OpReadWrite, 0, buf, nil)
	if err != nil {
		t.Fatalf("data corruption must not override a nil status, got %v", err)
	}
	if bytes.Equal(buf, make([]byte, 16)) {
		t.Fatal("expected the data method to corrupt the completion buffer")
	}
}

func TestInjectCompletionStatusOverridesError(t *testing.T) {
	r := New()
	if _, err := r.Add("inject://dev0?domain=block&stage=compl"); err != nil {
		t.Fatalf("add: %v", err)
	}
	err := r.InjectCompletion("dev0", OpReadWrite, 0, nil, nil)
	if err == nil {
		t.Fatal("expected injected completion error")
	}
}

func TestRemoveStopsFurtherInjection(t *testing.T) {
	r := New()
	s, err := r.Add("inject://dev0?domain=block")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	r.Remove(s.URI)
	if err := r.InjectSubmission("dev0", OpReadWrite, 0); err != nil {
		t.Fatalf("expected no injection after remove, got %v", err)
	}
	if len(r.List()) != 0 {
		t.Fatalf("expected empty registry after remove, got %d", len(r.List()))
	}
}

func TestListReturnsACopy(t *testing.T) {
	r := New()
	if _, err := r.Add("inject://dev0?domain=block"); err != nil {
		t.Fatalf("add: %v", err)
	}
	specs := r.List()
	specs[0] = nil
	if r.List()[0] == nil {
		t.Fatal("List must return a defensive copy, not the internal slice")
	}
}

func TestFastPathSkipsWhenRegistryEmpty(t *testing.T) {
	r := New()
	if err := r.InjectSubmission("dev0", OpReadWrite, 0); err != nil {
		t.Fatalf("expected no-op on an empty registry, got %v", err)
	}
}

func TestAddParsesMillisecondOffsetWindow(t *testing.T) {
	r := New()
	before := mono.NanoTime()
	s, err := r.Add("inject://dev0?domain=block&begin=-100&end=1000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !s.HasWindow {
		t.Fatal("expected HasWindow=true")
	}
	if s.BeginNs >= before || s.EndNs <= before {
		t.Fatalf("expected window straddling %d, got [%d,%d]", before, s.BeginNs, s.EndNs)
	}
}

func TestAddParsesAbsoluteRFC3339Window(t *testing.T) {
	// RFC3339 carries whole seconds only; truncate so the round-trip
	// comparison below is exact.
	begin := time.Now().Add(-time.Hour).Truncate(time.Second)
	end := time.Now().Add(time.Hour).Truncate(time.Second)
	r := New()
	uri := fmt.Sprintf("inject://dev0?domain=block&begin=%s&end=%s", begin.Format(time.RFC3339), end.Format(time.RFC3339))
	s, err := r.Add(uri)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantBegin := mono.FromWallClock(begin)
	wantEnd := mono.FromWallClock(end)
	if s.BeginNs != wantBegin || s.EndNs != wantEnd {
		t.Fatalf("expected [%d,%d], got [%d,%d]", wantBegin, wantEnd, s.BeginNs, s.EndNs)
	}
}

func TestAddRejectsMalformedWindowBound(t *testing.T) {
	r := New()
	if _, err := r.Add("inject://dev0?domain=block&begin=not-a-time"); err == nil {
		t.Fatal("expected error for a begin value that is neither an offset nor RFC3339")
	}
}

type fakeMetricsSink struct {
	hits map[string]int64
}

func (f *fakeMetricsSink) AddFaultHits(uri string, n int64) {
	if f.hits == nil {
		f.hits = make(map[string]int64)
	}
	f.hits[uri] += n
}

func TestSetMetricsReceivesHitsOnInjection(t *testing.T) {
	r := New()
	sink := &fakeMetricsSink{}
	r.SetMetrics(sink)
	s, err := r.Add("inject://dev0?domain=block")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.InjectSubmission("dev0", OpReadWrite, 0); err == nil {
		t.Fatal("expected injected error")
	}
	if sink.hits[s.URI] != 1 {
		t.Fatalf("expected 1 recorded hit, got %d", sink.hits[s.URI])
	}
}
