package parser

// DocumentEventType is the Event.Type used for whole non-streamed bodies.
const DocumentEventType = "document"

// DocumentDecoder buffers a non-streamed body up to a limit and decodes it
// once at Finish. It is the one-chunk case of the streaming decoders.
type DocumentDecoder struct {
	payload  PayloadDecoder
	maxBytes int

	body       []byte
	overflowed bool
}

func newDocumentDecoder(payload PayloadDecoder, maxBytes int) *DocumentDecoder {
	return &DocumentDecoder{payload: payload, maxBytes: maxBytes}
}

func (d *DocumentDecoder) sealed() {}

// Format returns FormatDocument.
func (d *DocumentDecoder) Format() Format { return FormatDocument }

// Feed buffers chunk. A document is never complete before end of body.
func (d *DocumentDecoder) Feed(chunk []byte) Result {
	if d.overflowed || len(chunk) == 0 {
		return Result{}
	}
	if len(d.body)+len(chunk) > d.maxBytes {
		d.overflowed = true
		d.body = nil
		return Result{}
	}
	d.body = append(d.body, chunk...)
	return Result{}
}

// Finish decodes the buffered body.
func (d *DocumentDecoder) Finish() Result {
	var result Result
	if d.overflowed {
		result.Degraded++
		return result
	}
	body := d.body
	d.body = nil
	if len(body) == 0 {
		return result
	}
	fragment, err := d.payload.Decode(Event{Type: DocumentEventType, Data: body})
	if err != nil {
		result.Degraded++
		return result
	}
	result.add(fragment)
	return result
}
