// Package signal detects control markers embedded in assistant model output.
//
// The triage model is prompted to emit two markers inside its free-text
// replies: one when it believes the patient is describing an emergency, and
// one when it considers the conversation finished. Detection is a plain
// substring match anywhere in the output; the markers are stripped from the
// text shown to the patient.
package signal

import "strings"

// Signal is a control marker the assistant model may embed in its output.
type Signal string

const (
	// Emergency indicates the model flagged the conversation as an emergency.
	Emergency Signal = "EMERGENCY"
	// EndOfConversation indicates the model considers the conversation over.
	EndOfConversation Signal = "END_OF_CONVERSATION"
)

const (
	emergencyMarker = "<<EMERGENCY>>"
	endMarker       = "<<END_OF_CONVERSATION>>"
)

// Classify scans raw model output for control markers. It returns the display
// text with all markers removed and the set of detected signals. Both markers
// may appear in the same response; surrounding whitespace is left untouched.
func Classify(raw string) (string, []Signal) {
	display := raw
	var detected []Signal

	if strings.Contains(display, emergencyMarker) {
		detected = append(detected, Emergency)
		display = strings.ReplaceAll(display, emergencyMarker, "")
	}
	if strings.Contains(display, endMarker) {
		detected = append(detected, EndOfConversation)
		display = strings.ReplaceAll(display, endMarker, "")
	}

	return display, detected
}

// Contains reports whether the signal set includes s.
func Contains(signals []Signal, s Signal) bool {
	for _, v := range signals {
		if v == s {
			return true
		}
	}
	return false
}
