package types

import (
	"errors"
	"fmt"
	"slices"
)

// ResumeType selects which pause a decision answers.
type ResumeType string

const (
	ResumeFeedback         ResumeType = "feedback"
	ResumeRoutingChoice    ResumeType = "routing_choice"
	ResumeArtifactFeedback ResumeType = "artifact_feedback"
)

// Phase returns the paused phase this resume type answers.
func (t ResumeType) Phase() Phase {
	switch t {
	case ResumeFeedback:
		return PhasePausedForFeedback
	case ResumeRoutingChoice:
		return PhasePausedForRouting
	case ResumeArtifactFeedback:
		return PhasePausedForArtifactFeedback
	}
	return ""
}

// Review and artifact actions accepted by the backend.
const (
	ReviewApproved = "approved"
	ReviewFeedback = "feedback"
	ArtifactAccept = "accept"
	ArtifactRevise = "feedback"
	RouteNoFurther = "no"
)

// DefaultRoutingChoices is the routing set offered when an interrupt does not
// list its own choices.
var DefaultRoutingChoices = []string{
	"classify_user_requirements",
	"write_system_requirement",
	"build_requirement_model",
	"write_req_specs",
	"revise_req_specs",
	RouteNoFurther,
}

// Decision is a human answer to a paused run.
type Decision struct {
	Type ResumeType `json:"resumeType"`

	// feedback
	ReviewAction string `json:"reviewAction,omitempty"`
	Comment      string `json:"comment,omitempty"`

	// routing_choice
	Choice string `json:"choice,omitempty"`

	// artifact_feedback
	ArtifactID       string `json:"artifactId,omitempty"`
	ArtifactAction   string `json:"artifactAction,omitempty"`
	ArtifactFeedback string `json:"artifactFeedback,omitempty"`
}

// ApproveFeedback approves the output under review.
func ApproveFeedback() Decision {
	return Decision{Type: ResumeFeedback, ReviewAction: ReviewApproved}
}

// RejectFeedback sends a review comment back to the workflow.
func RejectFeedback(comment string) Decision {
	return Decision{Type: ResumeFeedback, ReviewAction: ReviewFeedback, Comment: comment}
}

// ChooseRoute picks the next workflow step at an interrupt.
func ChooseRoute(choice string) Decision {
	return Decision{Type: ResumeRoutingChoice, Choice: choice}
}

// AcceptArtifact accepts the artifact awaiting feedback. An empty id means the
// pending artifact.
func AcceptArtifact(id string) Decision {
	return Decision{Type: ResumeArtifactFeedback, ArtifactID: id, ArtifactAction: ArtifactAccept}
}

// ReviseArtifact asks the workflow to revise an artifact.
func ReviseArtifact(id, feedback string) Decision {
	return Decision{Type: ResumeArtifactFeedback, ArtifactID: id, ArtifactAction: ArtifactRevise, ArtifactFeedback: feedback}
}

// Validate checks the decision's fields without regard to session state.
func (d Decision) Validate() error {
	switch d.Type {
	case ResumeFeedback:
		switch d.ReviewAction {
		case ReviewApproved:
		case ReviewFeedback:
			if d.Comment == "" {
				return errors.New("feedback decision requires a comment")
			}
		default:
			return fmt.Errorf("invalid review action %q", d.ReviewAction)
		}
	case ResumeRoutingChoice:
		if d.Choice == "" {
			return errors.New("routing decision requires a choice")
		}
	case ResumeArtifactFeedback:
		switch d.ArtifactAction {
		case ArtifactAccept:
		case ArtifactRevise:
			if d.ArtifactFeedback == "" {
				return errors.New("artifact revision requires feedback text")
			}
		default:
			return fmt.Errorf("invalid artifact action %q", d.ArtifactAction)
		}
	default:
		return fmt.Errorf("unknown resume type %q", d.Type)
	}
	return nil
}

// Offers reports whether the interrupt offers choice.
func (i Interrupt) Offers(choice string) bool {
	return slices.Contains(i.Choices, choice)
}
