package transcript

import (
	"time"

	"github.com/meditriage/triage-platform/internal/signal"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one recorded exchange unit within a session transcript. Turns are
// immutable once appended; Seq is monotonic and gap-free within a session.
type Turn struct {
	Seq         int64           `json:"seq"`
	Role        Role            `json:"role"`
	Text        string          `json:"text"`
	DisplayText string          `json:"display_text"`
	Signals     []signal.Signal `json:"signals,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
