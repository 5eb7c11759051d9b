package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// nextRequestID returns a session-unique proxy request ID. The unix
// component keeps IDs readable in logs, the sequence disambiguates
// bursts within the same nanosecond.
func (s *Server) nextRequestID() string {
	return fmt.Sprintf("req_%d_%d", time.Now().UnixNano(), s.requestSeq.Add(1))
}

// nextStreamID returns a session-unique stream ID. Prefixes keep
// websocket and tcp streams disjoint in the shared stream map.
func (s *Server) nextStreamID(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), s.requestSeq.Add(1))
}

func shutdownServer(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// waitGroupWait waits for wg with a deadline so shutdown never hangs
// on a stuck relay goroutine.
func waitGroupWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
