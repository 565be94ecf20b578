package manager

import (
	"time"

	"github.com/roach88/branchline/internal/watermark"
)

// Failure describes the most recent failed attempt.
type Failure struct {
	At         time.Time
	Err        error
	Watermarks watermark.Set // attempted set; nil for retrieval failures
}

// Status is the monitoring view of retrievals or commits. Accessors return
// copies, so a Status never changes after it is returned.
type Status struct {
	LastAttempt time.Time
	LastSuccess time.Time
	LastFailure *Failure

	// Last is the set produced by the last successful attempt.
	Last watermark.Set

	Attempts  int64
	Successes int64
	Failures  int64
}

func (s Status) clone() Status {
	out := s
	out.Last = s.Last.Clone()
	if s.LastFailure != nil {
		f := *s.LastFailure
		f.Watermarks = s.LastFailure.Watermarks.Clone()
		out.LastFailure = &f
	}
	return out
}

func (s *Status) attempt(at time.Time) {
	s.LastAttempt = at
	s.Attempts++
}

func (s *Status) succeed(at time.Time, set watermark.Set) {
	s.LastSuccess = at
	s.Last = set.Clone()
	s.Successes++
}

func (s *Status) fail(at time.Time, err error, set watermark.Set) {
	s.LastFailure = &Failure{At: at, Err: err, Watermarks: set.Clone()}
	s.Failures++
}
