package dashboard

import (
	"time"

	"github.com/linecheck/linecheck/pkg/inspection"
	"github.com/linecheck/linecheck/pkg/parts"
)

// Status lines shown to the operator.
const (
	MessageGood         = "Status: Good Product"
	MessageDefective    = "Status: Defective Product"
	MessageInconclusive = "Status: Not Inspected, Line Resumed"
)

// Entry is one row of the inspection history.
type Entry struct {
	ID        string             `json:"id"`
	CycleID   uint64             `json:"cycle_id"`
	Verdict   parts.Verdict      `json:"verdict"`
	Message   string             `json:"message"`
	Details   []string           `json:"details"`
	Counts    map[parts.Part]int `json:"counts,omitempty"`
	Missing   []parts.Deficit    `json:"missing"`
	Resumed   bool               `json:"resumed"`
	Time      time.Time          `json:"time"`
	Image     []byte             `json:"image,omitempty"` // JPEG, base64 in JSON
	LatencyMS int64              `json:"latency_ms"`
}

func newEntry(o inspection.Outcome, img []byte) Entry {
	e := Entry{
		ID:        o.ID.String(),
		CycleID:   o.CycleID,
		Verdict:   o.Verdict,
		Counts:    o.Counts,
		Missing:   o.Missing,
		Resumed:   o.Resumed,
		Time:      o.DecidedAt,
		Image:     img,
		LatencyMS: o.Duration().Milliseconds(),
	}
	e.Message, e.Details = describe(o)
	if e.Missing == nil {
		e.Missing = []parts.Deficit{}
	}
	return e
}

// describe returns the status line and the per-part detail lines.
func describe(o inspection.Outcome) (string, []string) {
	switch o.Verdict {
	case parts.Good:
		return MessageGood, []string{}
	case parts.Defective:
		details := make([]string, len(o.Missing))
		for i, d := range o.Missing {
			details[i] = d.String()
		}
		return MessageDefective, details
	default:
		details := []string{o.Reason}
		if o.Error != "" {
			details = append(details, o.Error)
		}
		return MessageInconclusive, details
	}
}
