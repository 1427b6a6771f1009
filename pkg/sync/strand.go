package sync

// Strand serializes asynchronous tasks that belong to one peer: a task starts
// only after the continuation of the previous one has run on the loop.
// Strand methods must be called from the loop goroutine.
type Strand struct {
	loop *Loop

	busy    bool
	stopped bool
	pending []func() func()
}

func NewStrand(loop *Loop) *Strand {
	return &Strand{loop: loop}
}

func (s *Strand) Go(task func() func()) {
	if s.stopped {
		return
	}

	if s.busy {
		s.pending = append(s.pending, task)

		return
	}

	s.busy = true

	s.loop.Go(func() func() {
		next := task()

		return func() {
			if next != nil && !s.stopped {
				next()
			}

			s.advance()
		}
	})
}

// Stop drops queued tasks and suppresses the continuation of the one in
// flight.
func (s *Strand) Stop() {
	s.stopped = true
	s.pending = nil
}

func (s *Strand) Pending() int {
	return len(s.pending)
}

func (s *Strand) advance() {
	s.busy = false

	if s.stopped || len(s.pending) == 0 {
		return
	}

	task := s.pending[0]
	s.pending = s.pending[1:]

	s.Go(task)
}
