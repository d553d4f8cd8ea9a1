// Package stream decodes the newline-delimited "data: <json>" framing used
// by the AI relay into logical frames, tolerating chunks that split frames
// at arbitrary byte offsets.
package stream

import (
	"bytes"
	"encoding/json"
)

// MaxLineSize bounds a single buffered line. Longer lines are discarded
// as malformed.
const MaxLineSize = 64 * 1024

const (
	dataPrefix    = "data: "
	doneSentinel  = "[DONE]"
	commentMarker = ':'
)

// FrameKind identifies the variant of a decoded Frame.
type FrameKind int

const (
	FrameDelta FrameKind = iota
	FrameDone
	FrameComment
	FrameMalformed
)

func (k FrameKind) String() string {
	switch k {
	case FrameDelta:
		return "delta"
	case FrameDone:
		return "done"
	case FrameComment:
		return "comment"
	case FrameMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Frame is one decoded logical unit of the stream.
type Frame struct {
	Kind FrameKind
	// Payload is the JSON document of a delta frame, or the raw bytes
	// that failed to parse for a malformed frame.
	Payload json.RawMessage
	// Text is the incremental text at choices[0].delta.content. It may
	// be empty for delta frames that carry only role or finish metadata.
	Text string
}

type deltaChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Decoder turns byte chunks into frames. It is not safe for concurrent use;
// chunks of one stream must be fed in order.
type Decoder struct {
	buf      []byte
	held     []byte
	done     bool
	overflow bool
}

// NewDecoder returns a decoder for one stream.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Done reports whether the [DONE] sentinel has been seen.
func (d *Decoder) Done() bool {
	return d.done
}

// Feed appends chunk to the internal buffer and returns every frame that is
// now complete. Trailing bytes without a newline stay buffered. After Done,
// Feed returns nil and ignores its input.
func (d *Decoder) Feed(chunk []byte) []Frame {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for !d.done {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			if len(d.buf) > MaxLineSize {
				d.buf = d.buf[:0]
				d.overflow = true
			}
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]
		if d.overflow || i > MaxLineSize {
			// Oversized, or the tail of a line that was already discarded.
			d.overflow = false
			frames = append(frames, Frame{Kind: FrameMalformed})
			continue
		}
		frames = d.line(line, frames)
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames
}

// Close flushes the stream: a final line without a trailing newline is
// decoded, and a payload still held as malformed is surfaced as such.
func (d *Decoder) Close() []Frame {
	if d.done {
		return nil
	}
	var frames []Frame
	if len(d.buf) > 0 && !d.overflow {
		frames = d.line(d.buf, frames)
	}
	d.buf = nil
	d.overflow = false
	if d.held != nil {
		frames = append(frames, Frame{Kind: FrameMalformed, Payload: json.RawMessage(d.held)})
		d.held = nil
	}
	return frames
}

func (d *Decoder) line(line []byte, frames []Frame) []Frame {
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) > 0 && line[0] == commentMarker {
		return frames
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return frames
	}
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return frames
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])

	if string(payload) == doneSentinel {
		if d.held != nil {
			frames = append(frames, Frame{Kind: FrameMalformed, Payload: json.RawMessage(d.held)})
			d.held = nil
		}
		d.done = true
		d.buf = nil
		return append(frames, Frame{Kind: FrameDone})
	}

	if d.held != nil {
		joined := append(append([]byte(nil), d.held...), payload...)
		if frame, ok := parse(joined); ok {
			d.held = nil
			return append(frames, frame)
		}
		frames = append(frames, Frame{Kind: FrameMalformed, Payload: json.RawMessage(d.held)})
		d.held = nil
	}

	if frame, ok := parse(payload); ok {
		return append(frames, frame)
	}
	d.held = append([]byte(nil), payload...)
	return frames
}

func parse(payload []byte) (Frame, bool) {
	if !json.Valid(payload) {
		return Frame{}, false
	}
	var chunk deltaChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		// Valid JSON of an unexpected shape still counts as a frame.
		return Frame{Kind: FrameDelta, Payload: json.RawMessage(append([]byte(nil), payload...))}, true
	}
	frame := Frame{Kind: FrameDelta, Payload: json.RawMessage(append([]byte(nil), payload...))}
	if len(chunk.Choices) > 0 {
		frame.Text = chunk.Choices[0].Delta.Content
	}
	return frame, true
}
