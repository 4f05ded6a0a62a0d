// Package routing decides which model, queue and execution mode serve a task.
package routing

import (
	"slices"

	"github.com/phrazzld/jobfit/internal/config"
)

// Tier is the caller's quota class.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// TierFor maps a quota lookup to a tier.
func TierFor(userHasQuota bool) Tier {
	if userHasQuota {
		return TierPaid
	}
	return TierFree
}

// Worker is the execution mode a task runs in.
type Worker string

const (
	WorkerStructured Worker = "structured"
	WorkerStream     Worker = "stream"
)

// Templates with dedicated routing or stage rules.
const (
	TemplateDetailedResumeSummary = "detailed_resume_summary"
	TemplateJobMatch              = "job_match"
	TemplateInterviewPrep         = "interview_prep"
	TemplateResumeOCR             = "resume_ocr"
)

// Options carries the optional routing inputs.
type Options struct {
	HasImage        bool `json:"hasImage,omitempty"`
	PreferReasoning bool `json:"preferReasoning,omitempty"`
}

// Decision is the outcome of Route. It is derived, never stored on its own;
// tasks carry a copy so the worker can compare it with a fresh derivation.
type Decision struct {
	Tier    Tier   `json:"tier"`
	ModelID string `json:"modelId"`
	QueueID string `json:"queueId"`
	Worker  Worker `json:"worker"`
}

// Router holds the model and queue names Route chooses between.
type Router struct {
	cfg config.RoutingConfig
}

// NewRouter creates a Router.
func NewRouter(cfg config.RoutingConfig) *Router {
	return &Router{cfg: cfg}
}

// Route applies the routing rules in order; the first match wins. It has no
// side effects, so equal inputs always give equal decisions.
func (r *Router) Route(templateID string, userHasQuota bool, opts Options) Decision {
	tier := TierFor(userHasQuota)
	paid := tier == TierPaid

	switch {
	case opts.HasImage:
		queue := r.cfg.FreeVisionQueue
		if paid {
			queue = r.cfg.PaidVisionQueue
		}
		return Decision{Tier: tier, ModelID: r.cfg.VisionModel, QueueID: queue, Worker: WorkerStructured}

	case templateID == TemplateDetailedResumeSummary:
		if paid {
			return Decision{Tier: tier, ModelID: r.cfg.ReasoningModel, QueueID: r.cfg.PaidStructuredQueue, Worker: WorkerStructured}
		}
		return Decision{Tier: tier, ModelID: r.cfg.FastModel, QueueID: r.cfg.FreeStructuredQueue, Worker: WorkerStructured}

	case r.IsStreaming(templateID):
		if paid {
			return Decision{Tier: tier, ModelID: r.cfg.PrimaryModel, QueueID: r.cfg.PaidStreamQueue, Worker: WorkerStream}
		}
		return Decision{Tier: tier, ModelID: r.cfg.FastModel, QueueID: r.cfg.FreeStreamQueue, Worker: WorkerStream}
	}

	if paid {
		model := r.cfg.PrimaryModel
		if opts.PreferReasoning {
			model = r.cfg.ReasoningModel
		}
		return Decision{Tier: tier, ModelID: model, QueueID: r.cfg.PaidStructuredQueue, Worker: WorkerStructured}
	}
	return Decision{Tier: tier, ModelID: r.cfg.FastModel, QueueID: r.cfg.FreeStructuredQueue, Worker: WorkerStructured}
}

// IsStreaming reports whether templateID prefers streaming execution.
func (r *Router) IsStreaming(templateID string) bool {
	return slices.Contains(r.cfg.StreamingTemplates, templateID)
}
