package pipeline

import "sync"

// errorMerger fans worker error channels into one. Unlike a cancel-on-first-
// error group it keeps collecting until every channel closes: a faulted
// worker must not take down its siblings, so errors are gathered and the
// first one is reported after shutdown.
type errorMerger struct {
	wg   sync.WaitGroup
	errs chan error
}

func newErrorMerger() *errorMerger {
	return &errorMerger{errs: make(chan error, 8)}
}

// add consumes errc until it closes. Errors beyond the buffer are dropped;
// the first is what Stop reports.
func (m *errorMerger) add(errc <-chan error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for err := range errc {
			if err == nil {
				continue
			}
			select {
			case m.errs <- err:
			default:
			}
		}
	}()
}

// wait blocks until every added channel has closed and returns the first
// collected error, if any.
func (m *errorMerger) wait() error {
	m.wg.Wait()
	close(m.errs)
	return <-m.errs
}
