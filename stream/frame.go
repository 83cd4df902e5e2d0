/*
Package stream implements the client side of the incremental-response wire
used by the text-generation and tool-invocation endpoints.

The wire is Server-Sent-Events shaped: every event is one or more
"data: ..." lines terminated by a blank line, and a stream usually ends with
a "data: [DONE]" sentinel. Upstream generators flush at arbitrary byte
offsets, so nothing here assumes that a read returns a whole event, a whole
line, or even a whole UTF-8 character.

The package is layered:
- FrameReader turns raw chunks into complete Frames
- Decode turns a Frame into a normalized StreamEvent
- Client/Session own one HTTP request and deliver StreamEvents over a channel
*/
package stream

import (
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	// DoneSentinel is the payload that explicitly marks the end of a stream.
	DoneSentinel = "[DONE]"

	frameDelimiter = "\n\n"
	dataField      = "data:"
)

// Frame is one complete delimiter-bounded unit of the streaming wire format.
// Frames are produced by FrameReader and consumed immediately by Decode.
type Frame struct {
	Payload    string // Data segment with the field prefix removed
	IsSentinel bool   // Whether the payload was the explicit completion marker
}

// FrameReader reassembles Frames from an arbitrarily chunked byte stream.
//
// A FrameReader keeps two carry-over buffers between calls: undecoded bytes
// of an incomplete UTF-8 sequence, and decoded text of an incomplete frame.
// It is not safe for concurrent use; one reader belongs to one stream.
type FrameReader struct {
	decoder transform.Transformer
	pending []byte          // raw bytes the decoder could not consume yet
	text    strings.Builder // decoded text not yet terminated by a delimiter
	scratch [4096]byte
}

// NewFrameReader creates a reader with empty carry-over buffers.
func NewFrameReader() *FrameReader {
	return &FrameReader{decoder: unicode.UTF8.NewDecoder()}
}

// Feed accepts the next chunk of the stream and returns every frame that the
// chunk completed, in wire order. The chunk may be empty, may hold several
// frames, and may end in the middle of a frame, a line, or a character.
//
// Parameters:
//   - chunk: Raw bytes exactly as read from the response body
//
// Returns:
//   - []Frame: Frames completed by this chunk (possibly none)
func (r *FrameReader) Feed(chunk []byte) []Frame {
	r.decode(chunk, false)
	return r.drain()
}

// Flush signals end-of-stream. Carried bytes are decoded (invalid tails become
// U+FFFD) and any remaining non-empty buffered content is returned as a final
// frame. The reader is empty afterwards.
func (r *FrameReader) Flush() []Frame {
	r.decode(nil, true)
	frames := r.drain()

	rest := r.text.String()
	r.text.Reset()
	if frame, ok := parseSegment(rest); ok {
		frames = append(frames, frame)
	}
	return frames
}

// decode runs the chunk through the incremental UTF-8 decoder and appends the
// result to the text buffer. Bytes of an incomplete trailing sequence are kept
// in r.pending until the next call.
func (r *FrameReader) decode(chunk []byte, atEOF bool) {
	src := make([]byte, 0, len(r.pending)+len(chunk))
	src = append(src, r.pending...)
	src = append(src, chunk...)
	r.pending = r.pending[:0]

	for {
		nDst, nSrc, err := r.decoder.Transform(r.scratch[:], src, atEOF)
		r.text.Write(r.scratch[:nDst])
		src = src[nSrc:]

		switch err {
		case transform.ErrShortDst:
			continue
		case transform.ErrShortSrc:
			r.pending = append(r.pending, src...)
			return
		default:
			if atEOF {
				r.decoder.Reset()
			}
			return
		}
	}
}

// drain cuts every complete segment off the front of the text buffer.
func (r *FrameReader) drain() []Frame {
	buffered := r.text.String()
	if !strings.Contains(buffered, "\r") && !strings.Contains(buffered, frameDelimiter) {
		return nil
	}

	// A trailing '\r' may be the first half of a CRLF split across chunks, so
	// it stays raw until the next byte arrives.
	holdCR := strings.HasSuffix(buffered, "\r")
	if holdCR {
		buffered = buffered[:len(buffered)-1]
	}
	buffered = strings.ReplaceAll(buffered, "\r\n", "\n")

	var frames []Frame
	for {
		idx := strings.Index(buffered, frameDelimiter)
		if idx < 0 {
			break
		}
		if frame, ok := parseSegment(buffered[:idx]); ok {
			frames = append(frames, frame)
		}
		buffered = buffered[idx+len(frameDelimiter):]
	}

	r.text.Reset()
	r.text.WriteString(buffered)
	if holdCR {
		r.text.WriteByte('\r')
	}
	return frames
}

// parseSegment extracts the payload of one delimiter-bounded segment.
// Comment lines and non-data fields are dropped, data lines lose their field
// prefix and one optional space, and multiple data lines join with '\n'.
func parseSegment(segment string) (Frame, bool) {
	if strings.TrimSpace(segment) == "" {
		return Frame{}, false
	}

	var data []string
	for _, line := range strings.Split(segment, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, dataField):
			value := strings.TrimPrefix(line, dataField)
			data = append(data, strings.TrimPrefix(value, " "))
		case strings.HasPrefix(line, "event:"),
			strings.HasPrefix(line, "id:"),
			strings.HasPrefix(line, "retry:"):
			continue
		default:
			if strings.TrimSpace(line) == "" {
				continue
			}
			data = append(data, line)
		}
	}

	payload := strings.Join(data, "\n")
	if strings.TrimSpace(payload) == DoneSentinel {
		return Frame{Payload: DoneSentinel, IsSentinel: true}, true
	}
	if payload == "" {
		return Frame{}, false
	}
	return Frame{Payload: payload}, true
}
