// Package sync provides small synchronization helpers for goroutine
// lifecycle management.
package sync

// Stopper coordinates the shutdown of one goroutine. The owner calls Stop
// and blocks until the goroutine has acknowledged with Done, after whatever
// cleanup it needs to do. Stop must be called at most once.
type Stopper interface {
	// Check returns the channel the goroutine selects on. It is closed
	// when the goroutine should stop.
	Check() <-chan struct{}

	// Stop signals the goroutine and waits for Done.
	Stop()

	// Done acknowledges the stop. Called by the goroutine on its way out.
	Done()
}

type stopper struct {
	stop chan struct{}
	done chan struct{}
}

// NewStopper returns a new Stopper.
func NewStopper() Stopper {
	return &stopper{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (s *stopper) Check() <-chan struct{} {
	return s.stop
}

func (s *stopper) Stop() {
	close(s.stop)
	<-s.done
}

func (s *stopper) Done() {
	close(s.done)
}
