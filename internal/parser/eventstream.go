package parser

import "bytes"

// DoneSentinel is the data value that terminates an OpenAI-style stream.
const DoneSentinel = "[DONE]"

// EventStreamDecoder splits text/event-stream bodies into events. Lines may
// end in LF or CRLF; an event is dispatched on a blank line.
type EventStreamDecoder struct {
	payload PayloadDecoder
	maxLine int

	// carry holds the bytes of the current unterminated line.
	carry []byte
	// discarding is set while skipping the rest of an oversized line.
	discarding bool

	eventType string
	data      [][]byte
	hasData   bool
	done      bool
}

func newEventStreamDecoder(payload PayloadDecoder, maxLine int) *EventStreamDecoder {
	return &EventStreamDecoder{payload: payload, maxLine: maxLine}
}

func (d *EventStreamDecoder) sealed() {}

// Format returns FormatEventStream.
func (d *EventStreamDecoder) Format() Format { return FormatEventStream }

// Feed consumes chunk and dispatches every event it completes.
func (d *EventStreamDecoder) Feed(chunk []byte) Result {
	var result Result
	for len(chunk) > 0 {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			d.buffer(chunk, &result)
			break
		}
		segment := chunk[:idx]
		chunk = chunk[idx+1:]

		if d.discarding {
			d.discarding = false
			d.carry = d.carry[:0]
			continue
		}
		if len(d.carry)+len(segment) > d.maxLine {
			d.carry = d.carry[:0]
			result.Degraded++
			continue
		}
		var line []byte
		if len(d.carry) > 0 {
			d.carry = append(d.carry, segment...)
			line = d.carry
		} else {
			line = segment
		}
		d.processLine(bytes.TrimSuffix(line, []byte{'\r'}), &result)
		d.carry = d.carry[:0]
	}
	return result
}

// Finish treats a trailing unterminated line and any pending fields as a
// final event.
func (d *EventStreamDecoder) Finish() Result {
	var result Result
	if len(d.carry) > 0 && !d.discarding {
		d.processLine(bytes.TrimSuffix(d.carry, []byte{'\r'}), &result)
	}
	d.carry = nil
	d.discarding = false
	d.dispatch(&result)
	return result
}

func (d *EventStreamDecoder) buffer(partial []byte, result *Result) {
	if d.discarding {
		return
	}
	if len(d.carry)+len(partial) > d.maxLine {
		d.carry = d.carry[:0]
		d.discarding = true
		result.Degraded++
		return
	}
	d.carry = append(d.carry, partial...)
}

func (d *EventStreamDecoder) processLine(line []byte, result *Result) {
	if len(line) == 0 {
		d.dispatch(result)
		return
	}
	if line[0] == ':' {
		return
	}

	field, value := line, []byte(nil)
	if idx := bytes.IndexByte(line, ':'); idx >= 0 {
		field = line[:idx]
		value = line[idx+1:]
		if len(value) > 0 && value[0] == ' ' {
			value = value[1:]
		}
	}

	switch string(field) {
	case "event":
		d.eventType = string(value)
	case "data":
		if string(bytes.TrimSpace(value)) == DoneSentinel {
			d.reset()
			d.done = true
			return
		}
		d.data = append(d.data, append([]byte(nil), value...))
		d.hasData = true
	}
}

func (d *EventStreamDecoder) dispatch(result *Result) {
	defer d.reset()
	if !d.hasData || d.done {
		return
	}
	event := Event{Type: d.eventType, Data: bytes.Join(d.data, []byte{'\n'})}
	if len(bytes.TrimSpace(event.Data)) == 0 {
		return
	}
	fragment, err := d.payload.Decode(event)
	if err != nil {
		result.Degraded++
		return
	}
	result.add(fragment)
}

func (d *EventStreamDecoder) reset() {
	d.eventType = ""
	d.data = d.data[:0]
	d.hasData = false
}
