package protocol

import "unicode/utf8"

// Span is the part of a message carried by one frame.
type Span struct {
	Offset int
	Length int
}

// Split cuts p into frame-sized spans for EncodeFrame. It never splits a
// UTF-8 sequence across frames unless a single frame holds no rune start,
// in which case the cut falls at MaxPayload. An empty p is one empty span.
func Split(p []byte) []Span {
	if len(p) == 0 {
		return []Span{{}}
	}

	var spans []Span
	for off := 0; off < len(p); {
		n := len(p) - off
		if n > MaxPayload {
			n = MaxPayload
			// Walk back to the start of the rune that straddles the cut.
			for n > 0 && !utf8.RuneStart(p[off+n]) {
				n--
			}
			if n == 0 {
				n = MaxPayload
			}
		}
		spans = append(spans, Span{Offset: off, Length: n})
		off += n
	}
	return spans
}
