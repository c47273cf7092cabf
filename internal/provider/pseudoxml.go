package provider

import (
	"fmt"
	"regexp"
	"strings"
)

// Some providers emit tool calls as pseudo-XML inside the text channel:
//
//	<tool_call name="read_file"> {"path": "README.md"} </tool_call>
//
// NewPseudoToolCallStream wraps a Stream and rewrites that quirk into the
// uniform event vocabulary: complete blocks are removed from the visible
// text and resynthesized as ToolCallStart/ToolCallDelta pairs with ids
// pseudo_call_<n>. Text deltas that might be the beginning of a block are
// held back until the block completes or the stream finishes; an
// unterminated block at stream end is flushed as literal text.
func NewPseudoToolCallStream(inner Stream) Stream {
	return &pseudoXMLStream{inner: inner}
}

var pseudoToolCallRe = regexp.MustCompile(`(?s)<tool_call\s+name="([^"]+)"\s*>(.*?)</tool_call>`)

const pseudoOpenTag = `<tool_call`

type pseudoXMLStream struct {
	inner   Stream
	buf     string
	pending []StreamEvent
	callN   int
}

func (s *pseudoXMLStream) Next() (StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}

		ev, err := s.inner.Next()
		if err != nil {
			return nil, err
		}

		switch e := ev.(type) {
		case TextDeltaEvent:
			s.buf += e.Text
			s.drain(false)
		case FinishEvent:
			s.drain(true)
			s.pending = append(s.pending, e)
		default:
			// Non-text events pass through, but any releasable text
			// must go first to preserve ordering.
			s.drain(false)
			s.pending = append(s.pending, ev)
		}
	}
}

// drain moves as much of the buffer as is safe into pending events. At
// stream end (final == true) everything is released, including an
// unterminated block.
func (s *pseudoXMLStream) drain(final bool) {
	for {
		loc := pseudoToolCallRe.FindStringSubmatchIndex(s.buf)
		if loc == nil {
			break
		}
		if prefix := s.buf[:loc[0]]; prefix != "" {
			s.pending = append(s.pending, TextDeltaEvent{Text: prefix})
		}
		name := s.buf[loc[2]:loc[3]]
		args := strings.TrimSpace(s.buf[loc[4]:loc[5]])
		s.callN++
		id := fmt.Sprintf("pseudo_call_%d", s.callN)
		s.pending = append(s.pending, ToolCallStartEvent{ID: id, Name: name})
		if args != "" {
			s.pending = append(s.pending, ToolCallDeltaEvent{ID: id, Delta: args})
		}
		s.buf = s.buf[loc[1]:]
	}

	if final {
		if s.buf != "" {
			s.pending = append(s.pending, TextDeltaEvent{Text: s.buf})
			s.buf = ""
		}
		return
	}

	hold := holdPoint(s.buf)
	if hold > 0 {
		s.pending = append(s.pending, TextDeltaEvent{Text: s.buf[:hold]})
		s.buf = s.buf[hold:]
	}
}

// holdPoint returns how many leading bytes of buf are safe to emit as
// text: everything before an open (possibly still partial) tool_call
// marker.
func holdPoint(buf string) int {
	if i := strings.Index(buf, pseudoOpenTag); i >= 0 {
		return i
	}
	// A trailing partial "<tool_call" prefix must be held back too.
	max := len(pseudoOpenTag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, pseudoOpenTag[:n]) {
			return len(buf) - n
		}
	}
	return len(buf)
}

func (s *pseudoXMLStream) Close() error { return s.inner.Close() }
