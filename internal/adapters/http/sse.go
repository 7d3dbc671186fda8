package httpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

type sseWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func newSSEWriter(w io.Writer, flusher http.Flusher) *sseWriter {
	return &sseWriter{w: w, flusher: flusher}
}

// relay copies stream events to the client until the stream closes and
// reports whether a terminal event was written. The session is cancelled when
// the client goes away or a write fails. Reads are paced by the client, so the
// emitter's buffer carries backpressure.
func (s *sseWriter) relay(ctx context.Context, qs ports.QueryStream) (bool, error) {
	events := qs.Events()
	terminal := false
	for {
		select {
		case <-ctx.Done():
			qs.Cancel()
			return terminal, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return terminal, nil
			}
			terminal = terminal || ev.IsTerminal()
			payload, err := json.Marshal(ev)
			if err != nil {
				qs.Cancel()
				return terminal, fmt.Errorf("marshal stream event: %w", err)
			}
			if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
				qs.Cancel()
				return terminal, fmt.Errorf("write stream event: %w", err)
			}
			s.flusher.Flush()
		}
	}
}

func (s *sseWriter) done() error {
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
