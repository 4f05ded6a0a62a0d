package routing

// Stage names the workbench phase a task's events belong to.
type Stage string

const (
	StageVision  Stage = "vision"
	StageOCR     Stage = "ocr"
	StageSummary Stage = "summary"
	StageMatch   Stage = "match"
)

// StageFor maps a template to its event stage. Image inputs are always the
// vision phase; anything unrecognized is treated as the final match phase.
func StageFor(templateID string, hasImage bool) Stage {
	switch {
	case hasImage:
		return StageVision
	case templateID == TemplateResumeOCR:
		return StageOCR
	case templateID == TemplateDetailedResumeSummary:
		return StageSummary
	default:
		return StageMatch
	}
}

// Final reports whether completing this stage completes the whole workflow.
func (s Stage) Final() bool {
	return s == StageMatch
}

// CompletedStatus is the status value published when the stage finishes.
func (s Stage) CompletedStatus() string {
	switch s {
	case StageVision:
		return "JOB_VISION_COMPLETED"
	case StageOCR:
		return "OCR_COMPLETED"
	case StageSummary:
		return "SUMMARY_COMPLETED"
	default:
		return "MATCH_COMPLETED"
	}
}

// FailedStatus is the status value published when the stage fails terminally.
func (s Stage) FailedStatus() string {
	switch s {
	case StageVision:
		return "JOB_VISION_FAILED"
	case StageOCR:
		return "OCR_FAILED"
	case StageSummary:
		return "SUMMARY_FAILED"
	default:
		return "MATCH_FAILED"
	}
}
