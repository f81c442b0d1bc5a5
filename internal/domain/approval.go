package domain

import "context"

// ApprovalAction is the human's answer to an approval request.
type ApprovalAction int

const (
	// ApprovalReject is the zero value so an unset decision never executes anything.
	ApprovalReject ApprovalAction = iota
	ApprovalApprove
	ApprovalApproveWithEdit
)

func (a ApprovalAction) String() string {
	switch a {
	case ApprovalReject:
		return "reject"
	case ApprovalApprove:
		return "approve"
	case ApprovalApproveWithEdit:
		return "approve_with_edit"
	default:
		return "unknown"
	}
}

// ApprovalDecision is returned by an ApprovalGate. EditedText is only
// meaningful when Action is ApprovalApproveWithEdit.
type ApprovalDecision struct {
	Action     ApprovalAction
	EditedText string
}

// ApprovalGate asks a human whether a command may run.
type ApprovalGate interface {
	RequestApproval(ctx context.Context, verdict PolicyVerdict, req CommandRequest) (ApprovalDecision, error)
}
