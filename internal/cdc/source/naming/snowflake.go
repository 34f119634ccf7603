// Package naming generates the unique identifiers that name server-side
// subscriptions.
package naming

import (
	"fmt"
	"sync"
	"time"

	"github.com/janovincze/tsbridge/internal/cdc"
)

// Bit layout of a generated id:
// (millis - Epoch) << 22 | datacenter << 17 | worker << 12 | sequence
const (
	workerBits     = 5
	datacenterBits = 5
	sequenceBits   = 12

	MaxWorkerID     = -1 ^ (-1 << workerBits)
	MaxDatacenterID = -1 ^ (-1 << datacenterBits)
	sequenceMask    = -1 ^ (-1 << sequenceBits)

	workerShift     = sequenceBits
	datacenterShift = sequenceBits + workerBits
	timestampShift  = sequenceBits + workerBits + datacenterBits
)

// Epoch is the reference time of the timestamp part, in Unix milliseconds
// (2010-11-04T01:42:54.657Z).
const Epoch int64 = 1288834974657

// Snowflake issues 64-bit ids that are strictly increasing for the lifetime
// of the generator. Safe for concurrent use.
type Snowflake struct {
	datacenterID int64
	workerID     int64

	mu       sync.Mutex
	lastMS   int64
	sequence int64

	now func() time.Time
}

// NewSnowflake creates a generator for the given datacenter and worker ids.
func NewSnowflake(datacenterID, workerID int64) (*Snowflake, error) {
	if datacenterID < 0 || datacenterID > MaxDatacenterID {
		return nil, fmt.Errorf("%w: datacenter id must be between 0 and %d, got %d", cdc.ErrConfig, MaxDatacenterID, datacenterID)
	}
	if workerID < 0 || workerID > MaxWorkerID {
		return nil, fmt.Errorf("%w: worker id must be between 0 and %d, got %d", cdc.ErrConfig, MaxWorkerID, workerID)
	}
	return &Snowflake{
		datacenterID: datacenterID,
		workerID:     workerID,
		lastMS:       -1,
		now:          time.Now,
	}, nil
}

// Next returns the next id. It fails with a *cdc.ClockSkewError when the
// clock reads earlier than the last millisecond an id was issued for.
func (s *Snowflake) Next() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.now().UnixMilli()
	if ms < s.lastMS {
		return 0, &cdc.ClockSkewError{LastMillis: s.lastMS, NowMillis: ms}
	}

	if ms == s.lastMS {
		s.sequence = (s.sequence + 1) & sequenceMask
		if s.sequence == 0 {
			// Sequence exhausted for this millisecond.
			var err error
			if ms, err = s.waitNextMillis(); err != nil {
				return 0, err
			}
		}
	} else {
		s.sequence = 0
	}

	s.lastMS = ms
	id := (ms-Epoch)<<timestampShift |
		s.datacenterID<<datacenterShift |
		s.workerID<<workerShift |
		s.sequence
	return uint64(id), nil
}

func (s *Snowflake) waitNextMillis() (int64, error) {
	for {
		ms := s.now().UnixMilli()
		if ms > s.lastMS {
			return ms, nil
		}
		if ms < s.lastMS {
			return 0, &cdc.ClockSkewError{LastMillis: s.lastMS, NowMillis: ms}
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// Decompose splits an id into its timestamp, datacenter, worker and sequence
// parts.
func Decompose(id uint64) (ts time.Time, datacenterID, workerID, sequence int64) {
	v := int64(id)
	ms := v>>timestampShift + Epoch
	return time.UnixMilli(ms),
		v >> datacenterShift & MaxDatacenterID,
		v >> workerShift & MaxWorkerID,
		v & sequenceMask
}
