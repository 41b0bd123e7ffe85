// Package streaming wraps a raw upstream SSE body in the same
// scan/translate/forward shape the runtime executors use
// (bufio.Scanner over the response body, one goroutine publishing onto a
// channel of chunks), adding two things no single executor does on its
// own: a hung-stream timeout that resets on every line received, and
// detection of an in-band error event arriving after the response
// headers already claimed success.
//
// Grounded on internal/runtime/executor/gemini_executor.go's streaming
// goroutine (bufio.Scanner with a raised buffer, scanner.Err() surfaced
// as a StreamChunk.Err) and sdk/cliproxy/executor/types.go's
// StreamChunk/StreamResult/StatusError shapes. Cancellation plumbing
// follows sdk/cliproxy/executor/context.go's context-value helper
// pattern (WithDownstreamWebsocket/DownstreamWebsocket).
package streaming

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"time"
)

// scannerBuffer mirrors the raised bufio.Scanner buffer the Gemini and
// Vertex executors use; default Go scanner limits are too small for a
// single SSE line carrying a large tool-call or image payload.
const scannerBuffer = 52_428_800

// ErrStreamTimeout is returned on the final chunk when no line arrives
// from upstream within the configured idle window.
var ErrStreamTimeout = errors.New("streaming: idle timeout waiting for next chunk")

// StreamedError is a mid-stream failure reported by the upstream
// provider itself, after a 2xx response has already started flowing.
// It is distinguished from a transport-level error (dropped connection,
// idle timeout) so callers can decide whether the partial output
// already forwarded to the downstream client is salvageable.
type StreamedError struct {
	StatusCode int
	Body       []byte
}

func (e *StreamedError) Error() string {
	return "streaming: upstream reported an error mid-stream"
}

// LineClassifier inspects one scanned line and reports whether it
// carries an in-band error the provider embedded in an otherwise
// successful stream (Gemini and OpenAI-compatible providers both do
// this: an SSE data line whose JSON body is an error object rather
// than a content delta).
type LineClassifier func(line []byte) (*StreamedError, bool)

// Options configures a Wrapper.
type Options struct {
	// IdleTimeout bounds the gap between successive lines; it resets on
	// every line scanned, not once per stream. Zero disables the timer.
	IdleTimeout time.Duration
	// Classify detects an in-band error line. Nil disables detection.
	Classify LineClassifier
}

// Wrapper turns a raw response body into a provider.StreamChunk channel
// guarded by an idle timeout and, optionally, in-band error detection.
type Wrapper struct {
	opts Options
}

// New constructs a Wrapper.
func New(opts Options) *Wrapper {
	return &Wrapper{opts: opts}
}

// Chunk is one unit of forwarded stream output: a raw line payload, or
// a terminal error. Exactly one of Payload or Err is set; a chunk with
// Err set is always the last value sent on the channel.
type Chunk struct {
	Payload []byte
	Err     error
}

// Result is the channel-bearing handle returned by Wrap.
type Result struct {
	Headers http.Header
	Chunks  <-chan Chunk
}

// Wrap starts the scan/forward goroutine over resp's body and returns a
// Result carrying the response headers and a channel of Chunks. The
// caller no longer owns resp.Body after calling Wrap; the goroutine
// closes it once scanning ends (on EOF, idle timeout, context
// cancellation, or an in-band error).
func (w *Wrapper) Wrap(ctx context.Context, resp *http.Response) *Result {
	out := make(chan Chunk)

	go func() {
		defer close(out)
		defer resp.Body.Close()

		lines := make(chan []byte)
		scanErr := make(chan error, 1)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(nil, scannerBuffer)
			for scanner.Scan() {
				line := append([]byte(nil), scanner.Bytes()...)
				select {
				case lines <- line:
				case <-ctx.Done():
					scanErr <- nil
					return
				}
			}
			scanErr <- scanner.Err()
		}()

		timeout := w.opts.IdleTimeout
		var timer *time.Timer
		var timerC <-chan time.Time
		if timeout > 0 {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
			timerC = timer.C
		}

		for {
			select {
			case line, ok := <-lines:
				if !ok {
					if err := <-scanErr; err != nil {
						out <- Chunk{Err: err}
					}
					return
				}
				if timer != nil {
					if !timer.Stop() {
						<-timer.C
					}
					timer.Reset(timeout)
				}
				if w.opts.Classify != nil {
					if streamErr, ok := w.opts.Classify(line); ok {
						out <- Chunk{Err: streamErr}
						return
					}
				}
				out <- Chunk{Payload: line}
			case <-timerC:
				out <- Chunk{Err: ErrStreamTimeout}
				return
			case <-ctx.Done():
				out <- Chunk{Err: ctx.Err()}
				return
			}
		}
	}()

	return &Result{Headers: resp.Header.Clone(), Chunks: out}
}
