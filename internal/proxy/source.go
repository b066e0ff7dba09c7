package proxy

import (
	"bytes"
	"io"

	"github.com/blueberrycongee/msgmux/internal/streaming"
	"github.com/blueberrycongee/msgmux/internal/translate"
	"github.com/blueberrycongee/msgmux/pkg/types"
)

// anthropicSource adapts a native Messages SSE body to the broadcast source
// contract. A clean close before a terminal frame (message_stop or an error
// event) is reported as io.ErrUnexpectedEOF: clients must never see a stream
// that simply stops.
type anthropicSource struct {
	sc       *streaming.EventScanner
	terminal bool
}

func newAnthropicSource(body io.Reader) *anthropicSource {
	return &anthropicSource{sc: streaming.NewEventScanner(body)}
}

func (s *anthropicSource) Next() ([]byte, error) {
	frame, err := s.sc.Next()
	if err != nil {
		s.sc.Release()
		if err == io.EOF && !s.terminal {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if eventName(frame) == types.EventMessageStop || streaming.IsErrorEvent(frame) {
		s.terminal = true
	}
	return frame, nil
}

// eventName extracts the event field of a normalized SSE frame.
func eventName(frame []byte) string {
	for _, line := range bytes.Split(frame, []byte("\n")) {
		if rest, ok := bytes.CutPrefix(line, []byte("event:")); ok {
			return string(bytes.TrimSpace(rest))
		}
	}
	return ""
}

// openaiSource drains an OpenAI chunk stream through the translator and
// yields Anthropic frames. The opening message_start is deferred until the
// first upstream chunk arrives, so a connection that dies immediately fails
// the attempt instead of surfacing after the stream has opened. A clean end
// without a single chunk is io.EOF with no frames; the caller decides what
// an empty stream means.
type openaiSource struct {
	sc *streaming.ChunkScanner
	st *translate.Stream

	pending  [][]byte
	started  bool
	finished bool
}

func newOpenAISource(sc *streaming.ChunkScanner, st *translate.Stream) *openaiSource {
	return &openaiSource{sc: sc, st: st}
}

func (s *openaiSource) Next() ([]byte, error) {
	for {
		if len(s.pending) > 0 {
			frame := s.pending[0]
			s.pending = s.pending[1:]
			return frame, nil
		}
		if s.finished {
			return nil, io.EOF
		}

		chunk, err := s.sc.Next()
		if err != nil {
			s.finished = true
			s.sc.Release()
			if err != io.EOF {
				return nil, err
			}
			if !s.started {
				return nil, io.EOF
			}
			s.pending = s.st.Finish()
			continue
		}
		if !s.started {
			s.started = true
			s.pending = append(s.pending, s.st.Start()...)
		}
		s.pending = append(s.pending, s.st.Feed(chunk)...)
	}
}

// OutputTokens reports the tokens counted across emitted fragments.
func (s *openaiSource) OutputTokens() int {
	return s.st.OutputTokens()
}

// peekedSource replays the frame read during stream commit before handing
// over to the underlying source.
type peekedSource struct {
	first []byte
	src   interface {
		Next() ([]byte, error)
	}
}

func (s *peekedSource) Next() ([]byte, error) {
	if s.first != nil {
		frame := s.first
		s.first = nil
		return frame, nil
	}
	return s.src.Next()
}
