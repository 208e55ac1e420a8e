// Package tunnel holds the byte-level plumbing shared by the relay and the
// agent: bidirectional pipes and pass-through reverse proxy rewriting.
package tunnel

import (
	"io"
	"log/slog"
	"sync"

	"github.com/jpillora/sizestr"
)

// Pipe copies in both directions between a and b. When either direction
// finishes both sides are closed; Pipe returns once both copies are done.
func Pipe(a, b io.ReadWriteCloser) (aToB, bToA int64) {
	var (
		wg   sync.WaitGroup
		once sync.Once
	)
	closeBoth := func() {
		a.Close()
		b.Close()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		aToB, _ = io.Copy(b, a)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		bToA, _ = io.Copy(a, b)
		once.Do(closeBoth)
	}()
	wg.Wait()
	return aToB, bToA
}

// LoggedPipe runs Pipe and logs the transferred volume at debug level.
func LoggedPipe(logger *slog.Logger, msg string, a, b io.ReadWriteCloser) {
	sent, received := Pipe(a, b)
	if logger != nil {
		logger.Debug(msg, "sent", sizestr.ToString(sent), "received", sizestr.ToString(received))
	}
}
