package market

// Source is the event stream contract consumed by the simulation core.
//
// Implementations produce events in non-decreasing
// (exchange timestamp, sequence) order per instrument. End of stream is an
// explicit signal (Next returning false with a nil Err), not an error.
// Seek restarts the stream from the first event at or after the given
// exchange timestamp so the same source can drive multi-run experiments.
//
// A source may be backed by a worker goroutine (decompression, network
// feed) but must present this blocking-pull interface so the core consumes
// the timeline in lock step.
type Source interface {
	// Next advances to the next event. It returns false when the stream is
	// exhausted or a read error occurred; distinguish via Err.
	Next() bool

	// Event returns the current event. Valid only after Next returned true.
	Event() Event

	// Err returns the first error encountered, or nil on clean end of
	// stream.
	Err() error

	// Seek restarts the stream at the first event whose exchange timestamp
	// is >= ts.
	Seek(ts int64) error

	// Close releases underlying resources.
	Close() error
}

// SliceSource replays an in-memory event slice. It is the reference Source
// implementation and the one tests use.
type SliceSource struct {
	events []Event
	pos    int
	cur    Event
}

// NewSliceSource returns a source over events, which must already be in
// (exchange timestamp, sequence) order.
func NewSliceSource(events []Event) *SliceSource {
	return &SliceSource{events: events}
}

func (s *SliceSource) Next() bool {
	if s.pos >= len(s.events) {
		return false
	}
	s.cur = s.events[s.pos]
	s.pos++
	return true
}

func (s *SliceSource) Event() Event { return s.cur }

func (s *SliceSource) Err() error { return nil }

func (s *SliceSource) Seek(ts int64) error {
	s.pos = 0
	for s.pos < len(s.events) && s.events[s.pos].ExchangeTS < ts {
		s.pos++
	}
	return nil
}

func (s *SliceSource) Close() error { return nil }
