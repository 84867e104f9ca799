package parser

import (
	"bytes"
	"encoding/binary"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

const (
	// envelopePreludeLen covers total length, headers length and prelude CRC.
	envelopePreludeLen = 12
	// envelopeMinLen is a prelude plus the trailing message CRC.
	envelopeMinLen = envelopePreludeLen + 4

	headerEventType     = ":event-type"
	headerMessageType   = ":message-type"
	headerExceptionType = ":exception-type"

	MessageTypeEvent     = "event"
	MessageTypeException = "exception"
)

// EnvelopeDecoder splits application/vnd.amazon.eventstream bodies into
// envelopes. An envelope is handed to the payload decoder only once all of
// its declared bytes are present and both checksums verify.
type EnvelopeDecoder struct {
	payload PayloadDecoder
	maxLen  int
	decoder *eventstream.Decoder

	carry []byte
	// desynced is set after a prelude declared an impossible length; frame
	// boundaries cannot be recovered after that.
	desynced bool
}

func newEnvelopeDecoder(payload PayloadDecoder, maxLen int) *EnvelopeDecoder {
	return &EnvelopeDecoder{
		payload: payload,
		maxLen:  maxLen,
		decoder: eventstream.NewDecoder(),
	}
}

func (d *EnvelopeDecoder) sealed() {}

// Format returns FormatEnvelope.
func (d *EnvelopeDecoder) Format() Format { return FormatEnvelope }

// Feed consumes chunk and decodes every envelope it completes.
func (d *EnvelopeDecoder) Feed(chunk []byte) Result {
	var result Result
	if d.desynced || len(chunk) == 0 {
		return result
	}

	buf := chunk
	if len(d.carry) > 0 {
		d.carry = append(d.carry, chunk...)
		buf = d.carry
	}

	offset := 0
	for len(buf)-offset >= 4 {
		total := int(binary.BigEndian.Uint32(buf[offset : offset+4]))
		if total < envelopeMinLen || total > d.maxLen {
			d.desynced = true
			d.carry = nil
			result.Degraded++
			return result
		}
		if len(buf)-offset < total {
			break
		}
		d.decodeFrame(buf[offset:offset+total], &result)
		offset += total
	}

	remaining := buf[offset:]
	if len(d.carry) > 0 {
		d.carry = append(d.carry[:0], remaining...)
	} else if len(remaining) > 0 {
		d.carry = append([]byte(nil), remaining...)
	}
	if len(d.carry) == 0 {
		d.carry = nil
	}
	return result
}

// Finish discards any incomplete trailing envelope.
func (d *EnvelopeDecoder) Finish() Result {
	var result Result
	if len(d.carry) > 0 && !d.desynced {
		result.Degraded++
	}
	d.carry = nil
	return result
}

func (d *EnvelopeDecoder) decodeFrame(frame []byte, result *Result) {
	msg, err := d.decoder.Decode(bytes.NewReader(frame), nil)
	if err != nil {
		result.Degraded++
		return
	}

	event := Event{
		Type:        headerString(msg.Headers, headerEventType),
		MessageType: headerString(msg.Headers, headerMessageType),
		Data:        msg.Payload,
	}
	if event.MessageType == MessageTypeException {
		event.Type = headerString(msg.Headers, headerExceptionType)
	}
	fragment, err := d.payload.Decode(event)
	if err != nil {
		result.Degraded++
		return
	}
	result.add(fragment)
}

func headerString(headers eventstream.Headers, name string) string {
	value := headers.Get(name)
	if value == nil {
		return ""
	}
	return value.String()
}
