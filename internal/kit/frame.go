package kit

import (
	"strconv"
	"strings"
)

// Wire framing constants. Frames look like "#c:5$" on the wire.
const (
	framePrefix = '#'
	frameEnd    = '$'
	keySep      = ":"

	// thresholdWidth is the zero-padded width of threshold values on the wire.
	thresholdWidth = 3
)

// DecodeLine normalizes one raw line from the transport into a frame.
// The line splitter can strip the leading '#', so it is put back.
// Returns ok=false for blank lines.
func DecodeLine(raw string) (string, bool) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return "", false
	}
	if line[0] != framePrefix {
		line = string(framePrefix) + line
	}
	return line, true
}

// BuildWireMessage appends the '$' terminator to a command body.
// The body must not already carry the terminator.
func BuildWireMessage(body string) string {
	return body + string(frameEnd)
}

// DeriveExpectedAck returns the acknowledgement the kit answers a command
// with: "#e:3" -> "#E:3". Commands that are not of the "#<letter>:<value>"
// shape have no ack and are sent fire-and-forget.
func DeriveExpectedAck(body string) (string, bool) {
	key, value, ok := ParseFrame(body)
	if !ok || len(key) != 1 || !isLetter(key[0]) {
		return "", false
	}
	return string(framePrefix) + strings.ToUpper(key) + keySep + value, true
}

// ParseFrame splits "#<key>:<value>" on the first separator only, so values
// may themselves contain ':'.
func ParseFrame(frame string) (key, value string, ok bool) {
	if len(frame) < 2 || frame[0] != framePrefix {
		return "", "", false
	}
	key, value, found := strings.Cut(frame[1:], keySep)
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

// ThresholdCommand builds the calibration command for one threshold entry,
// e.g. ("W", 70) -> "#w:070".
func ThresholdCommand(code string, value int) string {
	return string(framePrefix) + strings.ToLower(code) + keySep + PadValue(value)
}

// PadValue left-pads a value with zeros to the three-digit wire width.
// Wider values are sent as-is.
func PadValue(value int) string {
	s := strconv.Itoa(value)
	if len(s) >= thresholdWidth {
		return s
	}
	return strings.Repeat("0", thresholdWidth-len(s)) + s
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
