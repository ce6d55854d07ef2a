package completion

import (
	"errors"
	"io"
	"regexp"
)

var wordChunk = regexp.MustCompile(`\S+\s+`)

type smoothStream struct {
	src  Stream
	buf  string
	done error
}

// Smooth re-chunks deltas so each one ends on a word boundary. The trailing
// partial word is flushed when the source ends.
func Smooth(src Stream) Stream {
	return &smoothStream{src: src}
}

func (s *smoothStream) Recv() (string, error) {
	for {
		if loc := wordChunk.FindStringIndex(s.buf); loc != nil {
			out := s.buf[:loc[1]]
			s.buf = s.buf[loc[1]:]
			return out, nil
		}
		if s.done != nil {
			if s.buf != "" && errors.Is(s.done, io.EOF) {
				out := s.buf
				s.buf = ""
				return out, nil
			}
			return "", s.done
		}
		delta, err := s.src.Recv()
		if err != nil {
			s.done = err
			continue
		}
		s.buf += delta
	}
}

func (s *smoothStream) Close() error { return s.src.Close() }
