package streamstore

import (
	"encoding/json"
	"strings"
)

// FrameType enumerates the frame kinds the streaming endpoint emits.
type FrameType string

const (
	FrameMessage FrameType = "message"
	FrameDone    FrameType = "done"
	FrameError   FrameType = "error"
)

// Frame is one decoded stream frame.
type Frame struct {
	Type FrameType
	// Delta is set for message frames.
	Delta string
	// MessageID is set for done frames.
	MessageID string
	// Err is set for error frames.
	Err string
}

type parserState int

const (
	awaitingEvent parserState = iota
	awaitingData
)

// Parser decodes line-oriented stream frames. Each frame is an
// "event: <name>" line followed by a "data: <json>" line. Malformed or
// unrecognized input never produces a frame and never aborts the parser;
// the stream simply continues.
type Parser struct {
	state parserState
	event string
}

// NewParser returns a parser in the awaiting-event state.
func NewParser() *Parser {
	return &Parser{state: awaitingEvent}
}

// Feed consumes one line and returns a completed frame, if any.
func (p *Parser) Feed(line string) (*Frame, bool) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return nil, false
	}

	if name, ok := strings.CutPrefix(line, "event: "); ok {
		// An event line always starts a fresh frame, even if the previous
		// one never got its data line.
		p.event = name
		p.state = awaitingData
		return nil, false
	}

	payload, ok := strings.CutPrefix(line, "data: ")
	if !ok || p.state != awaitingData {
		return nil, false
	}
	p.state = awaitingEvent

	frame, ok := decodeFrame(p.event, payload)
	if !ok {
		return nil, false
	}
	return frame, true
}

type framePayload struct {
	Delta     string `json:"delta"`
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

func decodeFrame(event, payload string) (*Frame, bool) {
	var body framePayload
	if err := json.Unmarshal([]byte(payload), &body); err != nil {
		return nil, false
	}

	switch FrameType(event) {
	case FrameMessage:
		return &Frame{Type: FrameMessage, Delta: body.Delta}, true
	case FrameDone:
		return &Frame{Type: FrameDone, MessageID: body.MessageID}, true
	case FrameError:
		return &Frame{Type: FrameError, Err: body.Error}, true
	default:
		return nil, false
	}
}
