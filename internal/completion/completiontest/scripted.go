// Package completiontest provides a scripted completion.Client for tests.
package completiontest

import (
	"context"
	"errors"
	"io"
	"sync"

	"streamchat/internal/completion"
)

// Script describes one stream. Deltas are delivered in order, then Err (or
// io.EOF when Err is nil). When Feed is set, deltas are read from it instead
// and the stream ends when Feed is closed.
type Script struct {
	Deltas  []string
	Err     error
	OpenErr error
	Feed    chan string
	// IgnoreCancel keeps delivering after the context is cancelled, like a
	// transport with buffered data.
	IgnoreCancel bool
}

type Client struct {
	mu       sync.Mutex
	scripts  []Script
	requests []completion.Request
}

var _ completion.Client = (*Client)(nil)

func New(scripts ...Script) *Client {
	return &Client{scripts: scripts}
}

// Push queues another script.
func (c *Client) Push(s Script) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts = append(c.scripts, s)
}

// Requests returns every request seen so far.
func (c *Client) Requests() []completion.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]completion.Request(nil), c.requests...)
}

func (c *Client) Stream(ctx context.Context, req completion.Request) (completion.Stream, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if len(c.scripts) == 0 {
		c.mu.Unlock()
		return nil, errors.New("completiontest: no script queued")
	}
	s := c.scripts[0]
	c.scripts = c.scripts[1:]
	c.mu.Unlock()

	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	return &stream{ctx: ctx, script: s}, nil
}

type stream struct {
	ctx    context.Context
	script Script
	next   int
	closed bool
}

func (s *stream) end() error {
	if s.script.Err != nil {
		return s.script.Err
	}
	return io.EOF
}

func (s *stream) Recv() (string, error) {
	if s.closed {
		return "", errors.New("completiontest: recv on closed stream")
	}
	if !s.script.IgnoreCancel {
		if err := s.ctx.Err(); err != nil {
			return "", err
		}
	}
	if s.script.Feed != nil {
		if s.script.IgnoreCancel {
			d, ok := <-s.script.Feed
			if !ok {
				return "", s.end()
			}
			return d, nil
		}
		select {
		case d, ok := <-s.script.Feed:
			if !ok {
				return "", s.end()
			}
			return d, nil
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	if s.next >= len(s.script.Deltas) {
		return "", s.end()
	}
	d := s.script.Deltas[s.next]
	s.next++
	return d, nil
}

func (s *stream) Close() error {
	s.closed = true
	return nil
}
