package gpu

import (
	"sync"
)

// Work is the pending-work handle of one stream entry.
type Work struct {
	Seq  uint64
	Name string

	done chan struct{}
	err  error
}

// Wait blocks until the entry has executed and returns its error.
func (w *Work) Wait() error {
	<-w.done
	return w.err
}

// Done reports whether the entry has executed.
func (w *Work) Done() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

type task struct {
	work *Work
	run  func() error
}

// stream executes entries strictly in submission order on one goroutine.
// After a failure every later entry is skipped with the same error until
// the next drain, like a sticky device error.
type stream struct {
	tasks  chan task
	exited chan struct{}

	mu     sync.Mutex
	seq    uint64
	sticky error
}

func newStream(depth int) *stream {
	if depth <= 0 {
		depth = 256
	}
	s := &stream{
		tasks:  make(chan task, depth),
		exited: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *stream) loop() {
	defer close(s.exited)
	for t := range s.tasks {
		if t.run != nil {
			s.mu.Lock()
			sticky := s.sticky
			s.mu.Unlock()

			if sticky != nil {
				t.work.err = sticky
			} else if err := t.run(); err != nil {
				t.work.err = err
				s.mu.Lock()
				s.sticky = err
				s.mu.Unlock()
			}
		}
		close(t.work.done)
	}
}

func (s *stream) submit(name string, run func() error) *Work {
	s.mu.Lock()
	s.seq++
	w := &Work{Seq: s.seq, Name: name, done: make(chan struct{})}
	s.mu.Unlock()

	s.tasks <- task{work: w, run: run}
	return w
}

// drain waits for every submitted entry and clears the sticky error.
func (s *stream) drain() error {
	<-s.submit("sync", nil).done

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.sticky
	s.sticky = nil
	return err
}

func (s *stream) close() {
	close(s.tasks)
	<-s.exited
}
