package kit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"#C:5", "#C:5", true},
		{"C:5", "#C:5", true},
		{"  #T:031\r\n", "#T:031", true},
		{"", "", false},
		{" \r\n", "", false},
	}
	for _, tt := range tests {
		got, ok := DecodeLine(tt.raw)
		assert.Equal(t, tt.ok, ok, "raw %q", tt.raw)
		assert.Equal(t, tt.want, got, "raw %q", tt.raw)
	}
}

func TestBuildWireMessage(t *testing.T) {
	assert.Equal(t, "#c:5$", BuildWireMessage("#c:5"))
}

func TestDeriveExpectedAck(t *testing.T) {
	tests := []struct {
		cmd  string
		want string
		ok   bool
	}{
		{"#e:3", "#E:3", true},
		{"#w:070", "#W:070", true},
		{"#c:", "#C:", true},
		{"#x:a:b", "#X:a:b", true},
		{"e:3", "", false},
		{"#e3", "", false},
		{"#:3", "", false},
		{"#ab:3", "", false},
		{"#1:3", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := DeriveExpectedAck(tt.cmd)
		assert.Equal(t, tt.ok, ok, "cmd %q", tt.cmd)
		assert.Equal(t, tt.want, got, "cmd %q", tt.cmd)
	}
}

func TestParseFrameSplitsOnFirstSeparator(t *testing.T) {
	key, value, ok := ParseFrame("#T:12:30")
	assert.True(t, ok)
	assert.Equal(t, "T", key)
	assert.Equal(t, "12:30", value)

	_, _, ok = ParseFrame("#T")
	assert.False(t, ok)
	_, _, ok = ParseFrame("T:1")
	assert.False(t, ok)
}

func TestThresholdCommand(t *testing.T) {
	assert.Equal(t, "#t:030", ThresholdCommand("t", 30))
	assert.Equal(t, "#w:600", ThresholdCommand("w", 600))
	assert.Equal(t, "#d:030", ThresholdCommand("D", 30))
	assert.Equal(t, "#m:001", ThresholdCommand("m", 1))
	assert.Equal(t, "#m:000", ThresholdCommand("m", 0))
}
