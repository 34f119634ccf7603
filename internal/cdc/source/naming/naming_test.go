package naming

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/janovincze/tsbridge/internal/cdc"
)

// stepClock returns the queued times in order and repeats the last one.
type stepClock struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}
	return t
}

func TestNewSnowflake_InvalidIDs(t *testing.T) {
	tests := []struct {
		name       string
		datacenter int64
		worker     int64
	}{
		{"negative datacenter", -1, 1},
		{"datacenter too large", 32, 1},
		{"negative worker", 1, -1},
		{"worker too large", 1, 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSnowflake(tt.datacenter, tt.worker); !errors.Is(err, cdc.ErrConfig) {
				t.Errorf("NewSnowflake() error = %v, want ErrConfig", err)
			}
		})
	}
}

func TestSnowflake_StrictlyIncreasingAndUnique(t *testing.T) {
	gen, err := NewSnowflake(1, 1)
	if err != nil {
		t.Fatalf("NewSnowflake() error = %v", err)
	}

	seen := make(map[uint64]bool)
	var prev uint64
	const iterations = 10000

	for i := 0; i < iterations; i++ {
		id, err := gen.Next()
		if err != nil {
			t.Fatalf("Next() error at iteration %d: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated at iteration %d: %d", i, id)
		}
		if id <= prev {
			t.Fatalf("non-monotonic ID at iteration %d: prev=%d, curr=%d", i, prev, id)
		}
		seen[id] = true
		prev = id
	}
}

func TestSnowflake_Concurrent(t *testing.T) {
	gen, _ := NewSnowflake(1, 1)

	const goroutines = 8
	const idsPerGoroutine = 1000

	var wg sync.WaitGroup
	ids := make(chan uint64, goroutines*idsPerGoroutine)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < idsPerGoroutine; i++ {
				id, err := gen.Next()
				if err != nil {
					t.Errorf("Next() error = %v", err)
					return
				}
				ids <- id
			}
		}()
	}

	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate ID in concurrent test: %d", id)
		}
		seen[id] = true
	}
	if len(seen) != goroutines*idsPerGoroutine {
		t.Errorf("expected %d unique IDs, got %d", goroutines*idsPerGoroutine, len(seen))
	}
}

func TestSnowflake_Layout(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)
	gen, _ := NewSnowflake(3, 7)
	gen.now = (&stepClock{times: []time.Time{at}}).now

	id, err := gen.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}

	ts, dc, worker, seq := Decompose(id)
	if !ts.Equal(at) {
		t.Errorf("timestamp = %v, want %v", ts, at)
	}
	if dc != 3 {
		t.Errorf("datacenter = %d, want 3", dc)
	}
	if worker != 7 {
		t.Errorf("worker = %d, want 7", worker)
	}
	if seq != 0 {
		t.Errorf("sequence = %d, want 0", seq)
	}
}

func TestSnowflake_ClockSkew(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	gen, _ := NewSnowflake(1, 1)
	gen.now = (&stepClock{times: []time.Time{base, base.Add(-5 * time.Millisecond)}}).now

	if _, err := gen.Next(); err != nil {
		t.Fatalf("first Next() error = %v", err)
	}

	_, err := gen.Next()
	if !errors.Is(err, cdc.ErrClockSkew) {
		t.Fatalf("Next() error = %v, want ErrClockSkew", err)
	}
	var skew *cdc.ClockSkewError
	if !errors.As(err, &skew) {
		t.Fatalf("Next() error type = %T, want *cdc.ClockSkewError", err)
	}
	if skew.LastMillis-skew.NowMillis != 5 {
		t.Errorf("skew = %dms, want 5ms", skew.LastMillis-skew.NowMillis)
	}
}

func TestSnowflake_SequenceOverflowWaitsForNextMillisecond(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	times := make([]time.Time, 0, sequenceMask+3)
	for i := 0; i <= sequenceMask; i++ {
		times = append(times, base)
	}
	// The overflowing call sees the same millisecond once more, then the next.
	times = append(times, base, base.Add(time.Millisecond))

	gen, _ := NewSnowflake(1, 1)
	gen.now = (&stepClock{times: times}).now

	var last uint64
	for i := 0; i <= sequenceMask; i++ {
		id, err := gen.Next()
		if err != nil {
			t.Fatalf("Next() error at %d: %v", i, err)
		}
		last = id
	}

	id, err := gen.Next()
	if err != nil {
		t.Fatalf("Next() after overflow error = %v", err)
	}
	if id <= last {
		t.Fatalf("id after overflow %d not greater than %d", id, last)
	}
	ts, _, _, seq := Decompose(id)
	if !ts.Equal(base.Add(time.Millisecond)) {
		t.Errorf("timestamp after overflow = %v, want %v", ts, base.Add(time.Millisecond))
	}
	if seq != 0 {
		t.Errorf("sequence after overflow = %d, want 0", seq)
	}
}

func TestNamer_Next(t *testing.T) {
	gen, _ := NewSnowflake(1, 1)
	namer := NewNamer("", gen)

	first, err := namer.Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	second, _ := namer.Next()

	for _, name := range []string{first, second} {
		if !strings.HasPrefix(name, DefaultPrefix) {
			t.Errorf("name %q missing prefix %q", name, DefaultPrefix)
		}
	}

	a, _ := strconv.ParseUint(strings.TrimPrefix(first, DefaultPrefix), 10, 64)
	b, _ := strconv.ParseUint(strings.TrimPrefix(second, DefaultPrefix), 10, 64)
	if b <= a {
		t.Errorf("ids not increasing: %d then %d", a, b)
	}
}

type failingIDs struct{}

func (failingIDs) Next() (uint64, error) {
	return 0, &cdc.ClockSkewError{LastMillis: 10, NowMillis: 9}
}

func TestNamer_PropagatesClockSkew(t *testing.T) {
	namer := NewNamer("SUB-", failingIDs{})

	name, err := namer.Next()
	if name != "" {
		t.Errorf("Next() name = %q, want empty", name)
	}
	if !errors.Is(err, cdc.ErrClockSkew) {
		t.Errorf("Next() error = %v, want ErrClockSkew", err)
	}
}
