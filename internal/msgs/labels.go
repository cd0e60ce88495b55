package msgs

// SystemLabel is one of the well-known message folders whose counts are kept
// as squashable counters so dashboards never aggregate the msgs table.
type SystemLabel string

const (
	LabelInbox    SystemLabel = "I"
	LabelFlows    SystemLabel = "W"
	LabelArchived SystemLabel = "A"
	LabelOutbox   SystemLabel = "O"
	LabelSent     SystemLabel = "S"
	LabelFailed   SystemLabel = "X"
)

// SystemLabelFor classifies a message, or "" when it counts toward nothing
// (deleted messages, in-flight errored retries).
func SystemLabelFor(m *Msg) SystemLabel {
	if m.Visibility == VisibilityDeleted {
		return ""
	}

	if m.Direction == DirectionIn {
		switch m.Visibility {
		case VisibilityArchived:
			return LabelArchived
		default:
			if m.MsgType == TypeFlow {
				return LabelFlows
			}
			return LabelInbox
		}
	}

	switch m.Status {
	case StatusInitializing, StatusPending, StatusQueued, StatusErrored:
		return LabelOutbox
	case StatusWired, StatusSent, StatusDelivered:
		return LabelSent
	case StatusFailed:
		return LabelFailed
	}
	return ""
}

// LabelDelta is one pending adjustment to a label counter.
type LabelDelta struct {
	OrgID string
	Label SystemLabel
	Count int
}

// labelTransition yields the deltas for a message moving between two labels,
// either of which may be empty.
func labelTransition(orgID string, from, to SystemLabel) []LabelDelta {
	if from == to {
		return nil
	}
	var deltas []LabelDelta
	if from != "" {
		deltas = append(deltas, LabelDelta{OrgID: orgID, Label: from, Count: -1})
	}
	if to != "" {
		deltas = append(deltas, LabelDelta{OrgID: orgID, Label: to, Count: 1})
	}
	return deltas
}
