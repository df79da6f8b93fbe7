package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantDisplay string
		wantSignals []Signal
	}{
		{
			name:        "no markers",
			raw:         "Can you describe the pain in more detail?",
			wantDisplay: "Can you describe the pain in more detail?",
			wantSignals: nil,
		},
		{
			name:        "emergency marker mid-text",
			raw:         "hello <<EMERGENCY>> world",
			wantDisplay: "hello  world",
			wantSignals: []Signal{Emergency},
		},
		{
			name:        "end marker at end",
			raw:         "Take care, goodbye.<<END_OF_CONVERSATION>>",
			wantDisplay: "Take care, goodbye.",
			wantSignals: []Signal{EndOfConversation},
		},
		{
			name:        "both markers in one response",
			raw:         "Call 911 now.<<EMERGENCY>><<END_OF_CONVERSATION>>",
			wantDisplay: "Call 911 now.",
			wantSignals: []Signal{Emergency, EndOfConversation},
		},
		{
			name:        "marker repeated",
			raw:         "<<EMERGENCY>>seek help<<EMERGENCY>>",
			wantDisplay: "seek help",
			wantSignals: []Signal{Emergency},
		},
		{
			name:        "empty input",
			raw:         "",
			wantDisplay: "",
			wantSignals: nil,
		},
		{
			name:        "partial marker is not a signal",
			raw:         "the <<EMERGENCY marker needs both brackets",
			wantDisplay: "the <<EMERGENCY marker needs both brackets",
			wantSignals: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			display, signals := Classify(tt.raw)
			assert.Equal(t, tt.wantDisplay, display)
			assert.Equal(t, tt.wantSignals, signals)
		})
	}
}

func TestContains(t *testing.T) {
	signals := []Signal{Emergency}
	assert.True(t, Contains(signals, Emergency))
	assert.False(t, Contains(signals, EndOfConversation))
	assert.False(t, Contains(nil, Emergency))
}
