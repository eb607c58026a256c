// Package supervisor implements the pure decision function (spec.md §4.5):
// given a workflow's current ephemeral State, it returns the next stage (or
// a pause checkpoint, or "complete"). It performs no I/O and holds no
// hidden state — the same input always yields the same decision, which is
// what makes it independently testable (spec.md §8's determinism
// invariant). Any state mutation a rule implies (resetting stages for a
// retry loop, marking a checkpoint resolved) is returned as data on the
// Decision for the caller (scheduler.Executor) to apply — Decide itself
// never mutates its argument. Grounded on the teacher's graph/edge.go
// Predicate[S] pattern, flattened per the Design Notes: "Stages are data,
// not classes."
package supervisor

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"bidflow/domain"
)

// Decision is one of the fourteen outcomes spec.md §4.5 enumerates, plus
// the bookkeeping the caller must apply to the ephemeral State before the
// next Decide call.
type Decision struct {
	Next   string
	Reason string

	// ResetStages names real StageTask stages the caller must reset to
	// Open via the State Store (statestore.ResetTasks) and drop from
	// CompletedStages/TaskOutputs — spec.md §4.5's explicit reset rules.
	ResetStages []string

	// ClearCompleted names additional virtual keys (checkpoint names) to
	// drop from CompletedStages, alongside ResetStages.
	ClearCompleted []string

	// MarkCompleted names virtual keys (checkpoint names, or a
	// skipped-stage marker) to add to CompletedStages. These do not
	// correspond to a StageTask row — they exist purely so Decide is
	// idempotent once a checkpoint has been resolved.
	MarkCompleted []string

	// ConsumeFeedback tells the caller to clear UserFeedback,
	// FeedbackIntent and ContentEdits once this decision has used them,
	// so a subsequent Decide call in the same invocation does not
	// reprocess stale feedback.
	ConsumeFeedback bool
}

// Decision node names. The four Await* values are pause checkpoints
// (spec.md GLOSSARY: "virtual node that records waiting for human input").
const (
	DecisionInitialize                = "initialize"
	DecisionParser                    = "parser"
	DecisionAnalysis                  = "analysis"
	DecisionAwaitAnalysisFeedback     = "await_analysis_feedback"
	DecisionContent                   = "content"
	DecisionCompliance                = "compliance"
	DecisionQA                        = "qa"
	DecisionAwaitArtifactReview       = "await_artifact_review"
	DecisionExport                    = "export"
	DecisionAwaitCommsPermission      = "await_comms_permission"
	DecisionComms                     = "comms"
	DecisionAwaitSubmissionPermission = "await_submission_permission"
	DecisionSubmission                = "submission"
	DecisionComplete                  = "complete"
)

// PauseCheckpoints is the set of decision values that pause for human
// input rather than invoking a stage.
var PauseCheckpoints = map[string]bool{
	DecisionAwaitAnalysisFeedback:     true,
	DecisionAwaitArtifactReview:       true,
	DecisionAwaitCommsPermission:      true,
	DecisionAwaitSubmissionPermission: true,
}

// complianceOutput and qaOutput are the minimal typed fields the
// Supervisor reads from those stages' parsed outputs (SPEC_FULL.md's
// Design Notes: "The Supervisor reads typed fields, not dict keys.").
type complianceOutput struct {
	IsCompliant bool `json:"is_compliant"`
}

type qaOutput struct {
	OverallStatus string `json:"overall_status"`
}

// Decide evaluates the ordered rule list from spec.md §4.5 and returns the
// first matching decision.
func Decide(s domain.State) Decision {
	if s.WorkflowID == uuid.Nil {
		return Decision{Next: DecisionInitialize, Reason: "workflow has no id yet"}
	}

	c := s.CompletedStages

	if !c["parser"] {
		return Decision{Next: DecisionParser, Reason: "parser has not completed"}
	}
	if !c["analysis"] {
		return Decision{Next: DecisionAnalysis, Reason: "analysis has not completed"}
	}

	if !c[DecisionAwaitAnalysisFeedback] {
		if s.UserFeedback == "" {
			return Decision{Next: DecisionAwaitAnalysisFeedback, Reason: "analysis completed, awaiting user feedback"}
		}
		switch ClassifyIntent(s.UserFeedback) {
		case IntentReparse:
			return Decision{
				Next: DecisionParser, Reason: "user requested reparse",
				ResetStages:    []string{"parser", "analysis"},
				ClearCompleted: []string{DecisionAwaitAnalysisFeedback},
				ConsumeFeedback: true,
			}
		case IntentReanalyze:
			return Decision{
				Next: DecisionAnalysis, Reason: "user requested reanalysis",
				ResetStages:    []string{"analysis"},
				ClearCompleted: []string{DecisionAwaitAnalysisFeedback},
				ConsumeFeedback: true,
			}
		default:
			return Decision{
				Next: DecisionContent, Reason: "user approved analysis, proceeding to content",
				MarkCompleted:   []string{DecisionAwaitAnalysisFeedback},
				ConsumeFeedback: true,
			}
		}
	}

	if !c["content"] {
		return Decision{Next: DecisionContent, Reason: "content has not completed"}
	}
	if !c["compliance"] {
		return Decision{Next: DecisionCompliance, Reason: "content completed, compliance not completed"}
	}
	if !c["qa"] {
		if !isCompliant(s) {
			return Decision{
				Next: DecisionContent, Reason: "compliance flagged content as non-compliant",
				ResetStages:    []string{"content", "compliance"},
				ClearCompleted: []string{"content", "compliance"},
			}
		}
		return Decision{Next: DecisionQA, Reason: "compliance passed, proceeding to QA"}
	}

	if !c[DecisionAwaitArtifactReview] {
		if !qaComplete(s) {
			return Decision{
				Next: DecisionContent, Reason: "QA did not report overall_status=complete",
				ResetStages:    []string{"content", "compliance", "qa"},
				ClearCompleted: []string{"content", "compliance", "qa"},
			}
		}
		if s.UserFeedback == "" && len(s.ContentEdits) == 0 {
			return Decision{Next: DecisionAwaitArtifactReview, Reason: "QA passed, awaiting artifact review"}
		}
		if artifactReviewApproved(s) {
			return Decision{
				Next: DecisionExport, Reason: "artifact review approved",
				MarkCompleted:   []string{DecisionAwaitArtifactReview},
				ConsumeFeedback: true,
			}
		}
		return Decision{
			Next: DecisionContent, Reason: "artifact review declined or edits provided",
			ResetStages:     []string{"content", "compliance", "qa"},
			ClearCompleted:  []string{"content", "compliance", "qa", DecisionAwaitArtifactReview},
			ConsumeFeedback: true,
		}
	}
	if !c["export"] {
		return Decision{Next: DecisionExport, Reason: "artifact review already approved, export pending"}
	}

	if !c[DecisionAwaitCommsPermission] {
		if s.UserFeedback == "" {
			return Decision{Next: DecisionAwaitCommsPermission, Reason: "export completed, awaiting comms permission"}
		}
		if ClassifyApproval(s.UserFeedback, false) {
			return Decision{
				Next: DecisionComms, Reason: "comms permission approved",
				MarkCompleted:   []string{DecisionAwaitCommsPermission},
				ConsumeFeedback: true,
			}
		}
		return Decision{
			Next: DecisionAwaitSubmissionPermission, Reason: "comms permission declined, skipping comms",
			MarkCompleted:   []string{DecisionAwaitCommsPermission, "comms"},
			ConsumeFeedback: true,
		}
	}
	if !c["comms"] {
		return Decision{Next: DecisionComms, Reason: "comms permission already approved, comms pending"}
	}

	if !c[DecisionAwaitSubmissionPermission] {
		if s.UserFeedback == "" {
			return Decision{Next: DecisionAwaitSubmissionPermission, Reason: "comms completed, awaiting submission permission"}
		}
		if ClassifyApproval(s.UserFeedback, false) {
			return Decision{
				Next: DecisionSubmission, Reason: "submission permission approved",
				MarkCompleted:   []string{DecisionAwaitSubmissionPermission},
				ConsumeFeedback: true,
			}
		}
		return Decision{Next: DecisionComplete, Reason: "submission permission declined", ConsumeFeedback: true}
	}
	if !c["submission"] {
		return Decision{Next: DecisionSubmission, Reason: "submission permission already approved, submission pending"}
	}

	return Decision{Next: DecisionComplete, Reason: "submission completed"}
}

func isCompliant(s domain.State) bool {
	raw, ok := s.TaskOutputs["compliance"]
	if !ok {
		return false
	}
	var out complianceOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return false
	}
	return out.IsCompliant
}

func qaComplete(s domain.State) bool {
	raw, ok := s.TaskOutputs["qa"]
	if !ok {
		return false
	}
	var out qaOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return false
	}
	return out.OverallStatus == "complete"
}

func artifactReviewApproved(s domain.State) bool {
	if len(s.ContentEdits) > 0 {
		return false
	}
	if s.UserFeedback == "" {
		return true // rule 9: "approved" default when no edits were provided
	}
	return ClassifyApproval(s.UserFeedback, true)
}

// Intent is the classified feedback-intent enumeration (spec.md §4.5 rule
// 5 / GLOSSARY "Feedback intent").
type Intent string

const (
	IntentReparse   Intent = "reparse"
	IntentReanalyze Intent = "reanalyze"
	IntentProceed   Intent = "proceed"
)

// reparseKeywords and reanalyzeKeywords are the source-derived keyword
// lists spec.md's Open Questions flag as non-exhaustive; a production
// deployment should replace them with a dedicated classifier, but the
// Supervisor/caller contract stays identical regardless of how Intent is
// produced.
var reparseKeywords = []string{"reparse", "re-parse", "parse again", "redo the document", "re-upload"}
var reanalyzeKeywords = []string{"reanalyze", "re-analyze", "analyze again", "redo the analysis"}

// ClassifyIntent maps free-text feedback to an Intent by keyword
// matching; unmatched text defaults to IntentProceed.
func ClassifyIntent(feedback string) Intent {
	lower := strings.ToLower(feedback)
	for _, kw := range reparseKeywords {
		if strings.Contains(lower, kw) {
			return IntentReparse
		}
	}
	for _, kw := range reanalyzeKeywords {
		if strings.Contains(lower, kw) {
			return IntentReanalyze
		}
	}
	return IntentProceed
}

var approveKeywords = []string{"approve", "approved", "yes", "proceed", "go ahead", "looks good", "lgtm", "ok", "okay"}
var declineKeywords = []string{"decline", "declined", "no", "reject", "not yet", "stop", "don't", "do not"}

// ClassifyApproval maps free-text feedback to approved/declined by
// whole-word keyword matching. defaultApproved sets the fallback for unmatched,
// non-empty text: permission checkpoints (comms, submission) default to
// declined per spec.md §4.5 ("conservative"); callers pass false for
// those. Empty feedback always returns defaultApproved.
func ClassifyApproval(feedback string, defaultApproved bool) bool {
	lower := strings.ToLower(strings.TrimSpace(feedback))
	if lower == "" {
		return defaultApproved
	}
	// Space-padded word sequence, so "no" matches the word "no" but not
	// the "no" inside "not" or "know".
	words := " " + strings.Join(strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	}), " ") + " "
	for _, kw := range declineKeywords {
		if strings.Contains(words, " "+kw+" ") {
			return false
		}
	}
	for _, kw := range approveKeywords {
		if strings.Contains(words, " "+kw+" ") {
			return true
		}
	}
	return defaultApproved
}
