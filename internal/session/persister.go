package session

import (
	"context"
	"time"
)

// runPersister serializes persistence for one session. Bursts of mutations
// within the debounce window are written once. On stop, unsaved changes are
// flushed before the session leaves the registry.
func (c *Coordinator) runPersister(s *Session) {
	defer c.finalize(s)
	for {
		select {
		case <-s.stop:
			c.flush(s)
			return
		case <-s.dirty:
		}

		timer := time.NewTimer(c.persistDebounce)
		select {
		case <-timer.C:
			c.flush(s)
		case <-s.stop:
			timer.Stop()
			c.flush(s)
			return
		}
	}
}

func (c *Coordinator) flush(s *Session) {
	if !s.hasUnflushedChanges() {
		return
	}
	if err := c.Persist(context.Background(), s); err != nil {
		c.onPersistError(s, err)
	}
}

func (c *Coordinator) finalize(s *Session) {
	c.mu.Lock()
	if current, ok := c.sessions[s.id]; ok && current == s {
		delete(c.sessions, s.id)
	}
	c.mu.Unlock()
	close(s.closed)
	c.observer.SessionClosed()
}
