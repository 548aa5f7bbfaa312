package bulk

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/roach88/govern/internal/query"
	"github.com/roach88/govern/internal/quota"
	"github.com/roach88/govern/internal/record"
)

const (
	// DefaultChunkSize is the batch size for events and scans.
	DefaultChunkSize = 200
	// MaxChunkSize bounds a configured chunk size.
	MaxChunkSize = 2000
	// MaxScanRecords is the documented upper bound of one scan.
	MaxScanRecords = 50_000_000
)

// ErrScanLimit is returned when a scan would produce more than
// MaxScanRecords entities.
var ErrScanLimit = errors.New("scan exceeds maximum record count")

// Scan is a restartable, finite, lazily realized sequence of entity
// batches over one query.
//
// Each call to Next realizes one chunk through the given pipeline, charging
// one queries unit to that pipeline's unit of work, and releases the heap
// held by the previous chunk first. Peak live heap is therefore one chunk
// regardless of the total result size. Batches follow ID order; the cursor
// is the last ID returned, so a scan can be resumed from any chunk boundary.
//
// A Scan is not safe for concurrent use. The orchestrator guarantees one
// in-flight chunk per job.
type Scan struct {
	q    query.Select
	size int

	cursor   string
	prev     string
	produced int64
	chunks   int
	last     int
	done     bool

	held   int64
	heldBy *quota.Tracker
}

// NewScan creates a scan over q. size <= 0 uses DefaultChunkSize. q's own
// After and Limit are ignored.
func NewScan(q query.Select, size int) (*Scan, error) {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if size > MaxChunkSize {
		return nil, fmt.Errorf("chunk size %d exceeds maximum %d", size, MaxChunkSize)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	q.After, q.Limit = "", 0
	return &Scan{q: q, size: size}, nil
}

// Resume creates a scan that continues after cursor.
func Resume(q query.Select, size int, cursor string, produced int64) (*Scan, error) {
	s, err := NewScan(q, size)
	if err != nil {
		return nil, err
	}
	s.cursor, s.prev, s.produced = cursor, cursor, produced
	return s, nil
}

// Next realizes the next chunk. It returns ok=false once the sequence is
// exhausted.
func (s *Scan) Next(ctx context.Context, p *Pipeline) (chunk []record.Entity, ok bool, err error) {
	s.release()
	if s.done {
		return nil, false, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	// One entity past the chunk tells us whether another chunk follows
	// without spending a query on an empty page.
	rows, err := p.Query(ctx, s.q.Page(s.cursor, s.size+1))
	if err != nil {
		return nil, false, err
	}
	if len(rows) > s.size {
		p.Release(rows[s.size:])
		rows = rows[:s.size]
	} else {
		s.done = true
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	if s.produced+int64(len(rows)) > MaxScanRecords {
		p.Release(rows)
		s.done = true
		return nil, false, fmt.Errorf("%w (%d)", ErrScanLimit, MaxScanRecords)
	}

	s.prev = s.cursor
	s.cursor = rows[len(rows)-1].ID
	s.produced += int64(len(rows))
	s.chunks++
	s.last = len(rows)
	s.held = record.SizeOfAll(rows)
	s.heldBy = p.UnitOfWork().Tracker()
	return rows, true, nil
}

// Rewind moves the cursor back to the start of the chunk most recently
// returned, so the next call to Next realizes it again. Used to retry a
// chunk whose unit of work was rolled back.
func (s *Scan) Rewind() {
	if s.last == 0 {
		return
	}
	s.release()
	s.produced -= int64(s.last)
	s.cursor = s.prev
	s.chunks--
	s.last = 0
	s.done = false
}

func (s *Scan) release() {
	if s.heldBy != nil {
		s.heldBy.Release(s.held)
	}
	s.held, s.heldBy = 0, nil
}

// Close releases the heap held by the last chunk.
func (s *Scan) Close() { s.release() }

// Cursor returns the ID of the last entity produced.
func (s *Scan) Cursor() string { return s.cursor }

// Produced returns the number of entities produced so far.
func (s *Scan) Produced() int64 { return s.produced }

// Chunks returns the number of chunks produced so far.
func (s *Scan) Chunks() int { return s.chunks }

// Done reports whether the sequence is exhausted.
func (s *Scan) Done() bool { return s.done }

// Size returns the chunk size.
func (s *Scan) Size() int { return s.size }

// Query returns the scanned query.
func (s *Scan) Query() query.Select { return s.q }

// All iterates the remaining chunks through p. Iteration stops at the first
// error, which is yielded with a nil chunk.
func (s *Scan) All(ctx context.Context, p *Pipeline) iter.Seq2[[]record.Entity, error] {
	return func(yield func([]record.Entity, error) bool) {
		defer s.release()
		for {
			chunk, ok, err := s.Next(ctx, p)
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok || !yield(chunk, nil) {
				return
			}
		}
	}
}
