// Package workbench reduces a task's event stream into the status a client
// shows. Reduce is pure: it never performs I/O and never panics, so it runs
// the same behind a websocket, a poll loop or a test.
package workbench

import (
	"maps"
	"strings"

	"github.com/phrazzld/jobfit/internal/events"
	"github.com/phrazzld/jobfit/internal/routing"
)

// Status is the workbench phase.
type Status string

const (
	StatusIdle               Status = "IDLE"
	StatusJobVisionPending   Status = "JOB_VISION_PENDING"
	StatusJobVisionStreaming Status = "JOB_VISION_STREAMING"
	StatusJobVisionCompleted Status = "JOB_VISION_COMPLETED"
	StatusOCRPending         Status = "OCR_PENDING"
	StatusOCRCompleted       Status = "OCR_COMPLETED"
	StatusSummaryPending     Status = "SUMMARY_PENDING"
	StatusSummaryStreaming   Status = "SUMMARY_STREAMING"
	StatusSummaryCompleted   Status = "SUMMARY_COMPLETED"
	StatusMatchPending       Status = "MATCH_PENDING"
	StatusMatchStreaming     Status = "MATCH_STREAMING"
	StatusMatchCompleted     Status = "MATCH_COMPLETED"
	StatusCompleted          Status = "COMPLETED"
	StatusFailed             Status = "FAILED"
)

// rank orders the phases. Transitions only move forward, which makes a
// replayed or late event harmless. FAILED is outside the order.
var rank = map[Status]int{
	StatusIdle:               0,
	StatusJobVisionPending:   1,
	StatusJobVisionStreaming: 2,
	StatusJobVisionCompleted: 3,
	StatusOCRPending:         4,
	StatusOCRCompleted:       5,
	StatusSummaryPending:     6,
	StatusSummaryStreaming:   7,
	StatusSummaryCompleted:   8,
	StatusMatchPending:       9,
	StatusMatchStreaming:     10,
	StatusMatchCompleted:     11,
	StatusCompleted:          12,
}

// Error keys the UI translates.
const (
	ErrorKeyPreviousOCRFailed = "previous_ocr_failed"
	ErrorKeySummaryFailed     = "summary_failed"
	ErrorKeyOCRFailed         = "ocr_failed"
	ErrorKeyVisionFailed      = "vision_failed"
	ErrorKeyTaskFailed        = "task_failed"

	// FailureCodePreviousOCRFailed marks a summary that failed because the
	// OCR step before it did.
	FailureCodePreviousOCRFailed = "PREVIOUS_OCR_FAILED"

	defaultErrorMessage = "Something went wrong. Please try again."
)

// View is the reduced state of one service's workbench.
type View struct {
	ServiceID     string       `json:"serviceId"`
	Tier          routing.Tier `json:"tier"`
	Status        Status       `json:"status"`
	VisionContent string       `json:"visionContent,omitempty"`
	MatchContent  string       `json:"matchContent,omitempty"`
	ErrorKey      string       `json:"errorKey,omitempty"`
	ErrorMessage  string       `json:"errorMessage,omitempty"`

	// LastSeq is the highest sequence applied on the channel of the task that
	// last changed the view, usable as that channel's poll cursor.
	LastSeq int64 `json:"lastSeq"`

	// Cursors holds the highest sequence applied per task id. Every task has
	// its own channel, so sequences restart at 1 for each task of a service.
	Cursors map[string]int64 `json:"cursors,omitempty"`
}

// Initialize returns an idle view for a newly opened service.
func Initialize(serviceID string, tier routing.Tier) View {
	return View{ServiceID: serviceID, Tier: tier, Status: StatusIdle}
}

// Reduce applies ev to v. Unrecognized events leave v unchanged. Apart from
// token text, which is appended as delivered, applying the same event twice
// has the effect of applying it once.
func Reduce(v View, ev events.Event) View {
	// A sequenced event at or below its task's cursor has been seen, or was
	// overtaken by a later one. Tokens are exempt.
	cursor := v.Cursors[ev.TaskID]
	stale := ev.Seq > 0 && ev.Seq <= cursor

	switch ev.Type {
	case events.TypeToken, events.TypeTokenBatch:
		v = reduceToken(v, ev)
	case events.TypeStart:
		if stale {
			return v
		}
		v = reduceStart(v, ev)
	case events.TypeStatus:
		if stale {
			return v
		}
		next, ok := reduceStatus(v, ev)
		if !ok {
			return v
		}
		v = next
	case events.TypeError:
		if stale {
			return v
		}
		message := ev.Message
		if message == "" {
			message = defaultErrorMessage
		}
		key := ev.Code
		if key == "" {
			key = ErrorKeyTaskFailed
		}
		v = fail(v, key, message)
	case events.TypeDone:
		if stale {
			return v
		}
		v.Status = StatusCompleted
		v.ErrorKey = ""
		v.ErrorMessage = ""
	case events.TypeInfo:
		// Notices keep the client's connection alive; no state change.
	default:
		return v
	}

	if ev.Seq > cursor {
		// Copy before writing so views handed out earlier stay unchanged.
		cursors := maps.Clone(v.Cursors)
		if cursors == nil {
			cursors = make(map[string]int64, 1)
		}
		cursors[ev.TaskID] = ev.Seq
		v.Cursors = cursors
		cursor = ev.Seq
	}
	if ev.Seq > 0 {
		v.LastSeq = cursor
	}
	return v
}

func reduceToken(v View, ev events.Event) View {
	if v.Status == StatusCompleted {
		return v
	}
	switch routing.Stage(ev.Stage) {
	case routing.StageVision:
		v.VisionContent += ev.Text
		return advance(v, StatusJobVisionStreaming)
	case routing.StageSummary:
		v.MatchContent += ev.Text
		return advance(v, StatusSummaryStreaming)
	default:
		v.MatchContent += ev.Text
		return advance(v, StatusMatchStreaming)
	}
}

// reduceStart moves to the stage's pending state. A start after FAILED is a
// retry delivery and reopens the workbench.
func reduceStart(v View, ev events.Event) View {
	target := pendingFor(routing.Stage(ev.Stage))
	if v.Status == StatusFailed {
		v.Status = target
		v.ErrorKey = ""
		v.ErrorMessage = ""
		return v
	}
	return advance(v, target)
}

func reduceStatus(v View, ev events.Event) (View, bool) {
	status := strings.ToUpper(ev.Status)
	if status == "" {
		status = strings.ToUpper(ev.Code)
	}

	switch status {
	case "SUMMARY_FAILED":
		if strings.EqualFold(ev.FailureCode, FailureCodePreviousOCRFailed) {
			return fail(v, ErrorKeyPreviousOCRFailed, ev.Message), true
		}
		return fail(v, ErrorKeySummaryFailed, ev.Message), true
	case "OCR_FAILED":
		return fail(v, ErrorKeyOCRFailed, ev.Message), true
	case "JOB_VISION_FAILED", "VISION_FAILED":
		return fail(v, ErrorKeyVisionFailed, ev.Message), true
	case "MATCH_FAILED", "FAILED":
		return fail(v, ErrorKeyTaskFailed, ev.Message), true
	case "SUMMARY_COMPLETED":
		// The summary feeds the match phase, which starts on its own.
		return advance(v, StatusMatchPending), true
	}

	s := Status(status)
	if _, known := rank[s]; known {
		return advance(v, s), true
	}
	return v, false
}

// fail moves to FAILED. COMPLETED is final, and the first failure's key is
// kept so a trailing status event does not hide the specific cause.
func fail(v View, key, message string) View {
	if v.Status == StatusCompleted {
		return v
	}
	if v.Status == StatusFailed && v.ErrorKey != "" {
		return v
	}
	if message == "" {
		message = defaultErrorMessage
	}
	v.Status = StatusFailed
	v.ErrorKey = key
	v.ErrorMessage = message
	return v
}

// advance moves forward to target. FAILED waits for a start event.
func advance(v View, target Status) View {
	if v.Status == StatusFailed {
		return v
	}
	if rank[target] > rank[v.Status] {
		v.Status = target
	}
	return v
}

func pendingFor(stage routing.Stage) Status {
	switch stage {
	case routing.StageVision:
		return StatusJobVisionPending
	case routing.StageOCR:
		return StatusOCRPending
	case routing.StageSummary:
		return StatusSummaryPending
	default:
		return StatusMatchPending
	}
}
