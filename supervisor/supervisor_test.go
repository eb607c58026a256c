package supervisor

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"bidflow/domain"
)

func freshState() domain.State {
	return domain.NewState(uuid.New(), uuid.New(), uuid.New(), "session-1", time.Now())
}

func TestDecide_Determinism(t *testing.T) {
	s := freshState()
	s.CompletedStages["parser"] = true
	s.CompletedStages["analysis"] = true

	first := Decide(s)
	second := Decide(s)
	if first.Next != second.Next || first.Reason != second.Reason {
		t.Fatalf("Decide is not deterministic: %+v vs %+v", first, second)
	}
}

func TestDecide_ZeroWorkflow(t *testing.T) {
	var s domain.State
	got := Decide(s)
	if got.Next != DecisionInitialize {
		t.Fatalf("Next = %s, want %s", got.Next, DecisionInitialize)
	}
}

func TestDecide_OrderedRules(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*domain.State)
		want   string
	}{
		{
			name:   "no stages completed -> parser",
			modify: func(s *domain.State) {},
			want:   DecisionParser,
		},
		{
			name: "parser completed -> analysis",
			modify: func(s *domain.State) {
				s.CompletedStages["parser"] = true
			},
			want: DecisionAnalysis,
		},
		{
			name: "analysis completed, no feedback -> await_analysis_feedback",
			modify: func(s *domain.State) {
				s.CompletedStages["parser"] = true
				s.CompletedStages["analysis"] = true
			},
			want: DecisionAwaitAnalysisFeedback,
		},
		{
			name: "analysis feedback requests reparse",
			modify: func(s *domain.State) {
				s.CompletedStages["parser"] = true
				s.CompletedStages["analysis"] = true
				s.UserFeedback = "please reparse the document"
			},
			want: DecisionParser,
		},
		{
			name: "analysis feedback requests reanalysis",
			modify: func(s *domain.State) {
				s.CompletedStages["parser"] = true
				s.CompletedStages["analysis"] = true
				s.UserFeedback = "can you reanalyze this"
			},
			want: DecisionAnalysis,
		},
		{
			name: "analysis feedback approves -> content",
			modify: func(s *domain.State) {
				s.CompletedStages["parser"] = true
				s.CompletedStages["analysis"] = true
				s.UserFeedback = "looks good, proceed"
			},
			want: DecisionContent,
		},
		{
			name: "content completed -> compliance",
			modify: func(s *domain.State) {
				for _, st := range []string{"parser", "analysis", "content"} {
					s.CompletedStages[st] = true
				}
				s.CompletedStages[DecisionAwaitAnalysisFeedback] = true
			},
			want: DecisionCompliance,
		},
		{
			name: "compliance flagged non-compliant loops back to content",
			modify: func(s *domain.State) {
				for _, st := range []string{"parser", "analysis", "content", "compliance"} {
					s.CompletedStages[st] = true
				}
				s.CompletedStages[DecisionAwaitAnalysisFeedback] = true
				s.TaskOutputs["compliance"] = []byte(`{"is_compliant":false}`)
			},
			want: DecisionContent,
		},
		{
			name: "compliance passed -> qa",
			modify: func(s *domain.State) {
				for _, st := range []string{"parser", "analysis", "content", "compliance"} {
					s.CompletedStages[st] = true
				}
				s.CompletedStages[DecisionAwaitAnalysisFeedback] = true
				s.TaskOutputs["compliance"] = []byte(`{"is_compliant":true}`)
			},
			want: DecisionQA,
		},
		{
			name: "qa incomplete loops back to content",
			modify: func(s *domain.State) {
				for _, st := range []string{"parser", "analysis", "content", "compliance", "qa"} {
					s.CompletedStages[st] = true
				}
				s.CompletedStages[DecisionAwaitAnalysisFeedback] = true
				s.TaskOutputs["compliance"] = []byte(`{"is_compliant":true}`)
				s.TaskOutputs["qa"] = []byte(`{"overall_status":"needs_revision"}`)
			},
			want: DecisionContent,
		},
		{
			name: "qa complete, no feedback -> await_artifact_review",
			modify: func(s *domain.State) {
				for _, st := range []string{"parser", "analysis", "content", "compliance", "qa"} {
					s.CompletedStages[st] = true
				}
				s.CompletedStages[DecisionAwaitAnalysisFeedback] = true
				s.TaskOutputs["compliance"] = []byte(`{"is_compliant":true}`)
				s.TaskOutputs["qa"] = []byte(`{"overall_status":"complete"}`)
			},
			want: DecisionAwaitArtifactReview,
		},
		{
			name: "artifact review approved -> export",
			modify: func(s *domain.State) {
				for _, st := range []string{"parser", "analysis", "content", "compliance", "qa"} {
					s.CompletedStages[st] = true
				}
				s.CompletedStages[DecisionAwaitAnalysisFeedback] = true
				s.TaskOutputs["compliance"] = []byte(`{"is_compliant":true}`)
				s.TaskOutputs["qa"] = []byte(`{"overall_status":"complete"}`)
				s.UserFeedback = "approved"
			},
			want: DecisionExport,
		},
		{
			name: "artifact review declined loops back to content",
			modify: func(s *domain.State) {
				for _, st := range []string{"parser", "analysis", "content", "compliance", "qa"} {
					s.CompletedStages[st] = true
				}
				s.CompletedStages[DecisionAwaitAnalysisFeedback] = true
				s.TaskOutputs["compliance"] = []byte(`{"is_compliant":true}`)
				s.TaskOutputs["qa"] = []byte(`{"overall_status":"complete"}`)
				s.UserFeedback = "declined, needs work"
			},
			want: DecisionContent,
		},
		{
			name: "export completed, no feedback -> await_comms_permission",
			modify: func(s *domain.State) {
				for _, st := range []string{"parser", "analysis", "content", "compliance", "qa", "export"} {
					s.CompletedStages[st] = true
				}
				s.CompletedStages[DecisionAwaitAnalysisFeedback] = true
				s.CompletedStages[DecisionAwaitArtifactReview] = true
			},
			want: DecisionAwaitCommsPermission,
		},
		{
			name: "comms permission approved -> comms",
			modify: func(s *domain.State) {
				for _, st := range []string{"parser", "analysis", "content", "compliance", "qa", "export"} {
					s.CompletedStages[st] = true
				}
				s.CompletedStages[DecisionAwaitAnalysisFeedback] = true
				s.CompletedStages[DecisionAwaitArtifactReview] = true
				s.UserFeedback = "approved"
			},
			want: DecisionComms,
		},
		{
			name: "comms permission declined skips straight to submission checkpoint",
			modify: func(s *domain.State) {
				for _, st := range []string{"parser", "analysis", "content", "compliance", "qa", "export"} {
					s.CompletedStages[st] = true
				}
				s.CompletedStages[DecisionAwaitAnalysisFeedback] = true
				s.CompletedStages[DecisionAwaitArtifactReview] = true
				s.UserFeedback = "no, decline"
			},
			want: DecisionAwaitSubmissionPermission,
		},
		{
			name: "comms completed -> await_submission_permission",
			modify: func(s *domain.State) {
				for _, st := range []string{"parser", "analysis", "content", "compliance", "qa", "export", "comms"} {
					s.CompletedStages[st] = true
				}
				s.CompletedStages[DecisionAwaitAnalysisFeedback] = true
				s.CompletedStages[DecisionAwaitArtifactReview] = true
				s.CompletedStages[DecisionAwaitCommsPermission] = true
			},
			want: DecisionAwaitSubmissionPermission,
		},
		{
			name: "submission permission approved -> submission",
			modify: func(s *domain.State) {
				for _, st := range []string{"parser", "analysis", "content", "compliance", "qa", "export", "comms"} {
					s.CompletedStages[st] = true
				}
				s.CompletedStages[DecisionAwaitAnalysisFeedback] = true
				s.CompletedStages[DecisionAwaitArtifactReview] = true
				s.CompletedStages[DecisionAwaitCommsPermission] = true
				s.UserFeedback = "approved"
			},
			want: DecisionSubmission,
		},
		{
			name: "submission permission declined -> complete",
			modify: func(s *domain.State) {
				for _, st := range []string{"parser", "analysis", "content", "compliance", "qa", "export", "comms"} {
					s.CompletedStages[st] = true
				}
				s.CompletedStages[DecisionAwaitAnalysisFeedback] = true
				s.CompletedStages[DecisionAwaitArtifactReview] = true
				s.CompletedStages[DecisionAwaitCommsPermission] = true
				s.UserFeedback = "decline"
			},
			want: DecisionComplete,
		},
		{
			name: "submission completed -> complete",
			modify: func(s *domain.State) {
				for _, st := range []string{"parser", "analysis", "content", "compliance", "qa", "export", "comms", "submission"} {
					s.CompletedStages[st] = true
				}
				s.CompletedStages[DecisionAwaitAnalysisFeedback] = true
				s.CompletedStages[DecisionAwaitArtifactReview] = true
				s.CompletedStages[DecisionAwaitCommsPermission] = true
				s.CompletedStages[DecisionAwaitSubmissionPermission] = true
			},
			want: DecisionComplete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := freshState()
			tt.modify(&s)
			got := Decide(s)
			if got.Next != tt.want {
				t.Errorf("Next = %s, want %s (reason: %s)", got.Next, tt.want, got.Reason)
			}
		})
	}
}

func TestDecide_ArtifactReviewUnmatchedFeedbackDefaultsApproved(t *testing.T) {
	s := freshState()
	for _, st := range []string{"parser", "analysis", "content", "compliance", "qa"} {
		s.CompletedStages[st] = true
	}
	s.CompletedStages[DecisionAwaitAnalysisFeedback] = true
	s.TaskOutputs["compliance"] = []byte(`{"is_compliant":true}`)
	s.TaskOutputs["qa"] = []byte(`{"overall_status":"complete"}`)
	s.UserFeedback = "thanks, this is exactly what I was picturing"

	got := Decide(s)
	if got.Next != DecisionExport {
		t.Fatalf("Next = %s, want %s (artifact review with unmatched non-decline text must default to approved, reason: %s)", got.Next, DecisionExport, got.Reason)
	}
}

func TestDecide_ResetRemovesCheckpointBookkeeping(t *testing.T) {
	s := freshState()
	s.CompletedStages["parser"] = true
	s.CompletedStages["analysis"] = true
	s.UserFeedback = "please reparse"

	got := Decide(s)
	if got.Next != DecisionParser {
		t.Fatalf("Next = %s, want %s", got.Next, DecisionParser)
	}
	wantReset := map[string]bool{"parser": true, "analysis": true}
	for _, st := range got.ResetStages {
		if !wantReset[st] {
			t.Errorf("unexpected stage in ResetStages: %s", st)
		}
		delete(wantReset, st)
	}
	if len(wantReset) != 0 {
		t.Errorf("missing stages in ResetStages: %v", wantReset)
	}
	if !got.ConsumeFeedback {
		t.Error("expected ConsumeFeedback=true for a feedback-driven decision")
	}
}

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		feedback string
		want     Intent
	}{
		{"please reparse the upload", IntentReparse},
		{"can we re-analyze this one more time", IntentReanalyze},
		{"looks great, proceed", IntentProceed},
		{"", IntentProceed},
	}
	for _, tt := range tests {
		if got := ClassifyIntent(tt.feedback); got != tt.want {
			t.Errorf("ClassifyIntent(%q) = %s, want %s", tt.feedback, got, tt.want)
		}
	}
}

func TestClassifyApproval(t *testing.T) {
	tests := []struct {
		feedback        string
		defaultApproved bool
		want            bool
	}{
		{"approved", false, true},
		{"yes, go ahead", false, true},
		{"no thanks", true, false},
		{"I decline", true, false},
		{"", false, false},
		{"", true, true},
		{"not sure what this means", true, true},
		{"not sure what this means", false, false},
	}
	for _, tt := range tests {
		if got := ClassifyApproval(tt.feedback, tt.defaultApproved); got != tt.want {
			t.Errorf("ClassifyApproval(%q, %v) = %v, want %v", tt.feedback, tt.defaultApproved, got, tt.want)
		}
	}
}
