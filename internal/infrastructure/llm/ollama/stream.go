package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

const streamBuffer = 8

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

type fragment struct {
	text string
	err  error
}

// fragmentStream relays NDJSON completion chunks through a bounded channel.
// When the consumer stops calling Next the pump blocks, which in turn stops
// reading the response body.
//
// Only a done:true chunk ends the stream with io.EOF. If the pump stops for
// any other reason, err is set before ch is closed and Next reports it.
type fragmentStream struct {
	ch        chan fragment
	err       error
	body      io.ReadCloser
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *Client) openStream(ctx context.Context, path string, payload any) (*fragmentStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(streamCtx, path, payload, "generate_stream")
	if err != nil {
		cancel()
		return nil, err
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ollama generate_stream request: %w", err)
	}
	if resp.StatusCode >= 300 {
		statusErr := resilience.NewHTTPStatusError(serviceName, "generate_stream", resp)
		resp.Body.Close()
		cancel()
		return nil, statusErr
	}

	s := &fragmentStream{
		ch:     make(chan fragment, streamBuffer),
		body:   resp.Body,
		cancel: cancel,
	}
	go s.pump(streamCtx)
	return s, nil
}

func (s *fragmentStream) pump(ctx context.Context) {
	defer close(s.ch)

	dec := json.NewDecoder(s.body)
	for {
		var chunk generateChunk
		if err := dec.Decode(&chunk); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			s.send(ctx, fragment{err: fmt.Errorf("read generate stream: %w", err)})
			return
		}
		if chunk.Error != "" {
			s.send(ctx, fragment{err: fmt.Errorf("ollama generate_stream: %s", chunk.Error)})
			return
		}
		if chunk.Response != "" && !s.send(ctx, fragment{text: chunk.Response}) {
			return
		}
		if chunk.Done {
			return
		}
	}
}

// send delivers f unless ctx ends first. A fragment lost that way is
// remembered as the stream error.
func (s *fragmentStream) send(ctx context.Context, f fragment) bool {
	select {
	case s.ch <- f:
		return true
	case <-ctx.Done():
		if f.err != nil {
			s.err = f.err
		} else {
			s.err = fmt.Errorf("generate stream interrupted: %w", ctx.Err())
		}
		return false
	}
}

func (s *fragmentStream) Next(ctx context.Context) (string, error) {
	select {
	case f, ok := <-s.ch:
		if !ok {
			if s.err != nil {
				return "", s.err
			}
			return "", io.EOF
		}
		return f.text, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *fragmentStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
