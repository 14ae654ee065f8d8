package orchestrator

import "strings"

// thinkerMarker separates a model's visible reasoning from its final
// response. Tokens before the marker are suppressed; tokens after it
// stream through live.
const thinkerMarker = "[BEGIN FINAL RESPONSE]"

// streamFilter buffers backend deltas until it knows they belong in the
// caller-visible stream. The marker boundary is a string search inside the
// accumulating buffer, so a marker split across chunks is still found.
// With no marker the whole buffer flushes at stream end, so no content is
// ever lost; a tool-call iteration discards its buffer instead.
//
// Deltas after the marker forward to the caller as they arrive. Whether a
// response is terminal is only known once the stream ends, so a tool-call
// response that emits the marker has already forwarded its trailing tokens
// by the time discard runs. Models emit the marker when producing a final
// answer, not alongside tool calls, and holding post-marker tokens back
// until stream end would remove streaming entirely.
type streamFilter struct {
	emit       func(string)
	buf        strings.Builder
	markerSeen bool
	dropped    bool
}

func newStreamFilter(emit func(string)) *streamFilter {
	return &streamFilter{emit: emit}
}

// active reports whether deltas should be requested from the backend at
// all; a nil emit means the request is non-streaming.
func (f *streamFilter) active() bool {
	return f != nil && f.emit != nil
}

// feed consumes one content delta.
func (f *streamFilter) feed(delta string) {
	if !f.active() || f.dropped || delta == "" {
		return
	}
	if f.markerSeen {
		f.emit(delta)
		return
	}
	f.buf.WriteString(delta)
	if idx := strings.Index(f.buf.String(), thinkerMarker); idx >= 0 {
		f.markerSeen = true
		after := f.buf.String()[idx+len(thinkerMarker):]
		after = strings.TrimLeft(after, " \n")
		if after != "" {
			f.emit(after)
		}
		f.buf.Reset()
	}
}

// flush releases buffered content at stream end when no marker appeared.
func (f *streamFilter) flush() {
	if !f.active() || f.dropped || f.markerSeen {
		return
	}
	if s := f.buf.String(); s != "" {
		f.emit(s)
	}
	f.buf.Reset()
}

// discard drops everything buffered; used when the response turned out to
// carry tool calls or is being retried.
func (f *streamFilter) discard() {
	if f == nil {
		return
	}
	f.dropped = true
	f.buf.Reset()
}
