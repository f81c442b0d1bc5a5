// Package approval implements the human side of the approval gate.
package approval

import (
	"context"

	"shellgate/internal/domain"
)

// Static answers every request with the same decision. It backs `--yes`
// (approve everything the policy lets through) and non-interactive runs.
type Static struct {
	Decision domain.ApprovalDecision
}

func (s Static) RequestApproval(ctx context.Context, verdict domain.PolicyVerdict, req domain.CommandRequest) (domain.ApprovalDecision, error) {
	if err := ctx.Err(); err != nil {
		return domain.ApprovalDecision{}, err
	}
	return s.Decision, nil
}

// ApproveAll returns a gate that approves every request unchanged.
func ApproveAll() Static { return Static{Decision: domain.ApprovalDecision{Action: domain.ApprovalApprove}} }

// RejectAll returns a gate that rejects every request.
func RejectAll() Static { return Static{Decision: domain.ApprovalDecision{Action: domain.ApprovalReject}} }

// Func adapts a function to domain.ApprovalGate.
type Func func(ctx context.Context, verdict domain.PolicyVerdict, req domain.CommandRequest) (domain.ApprovalDecision, error)

func (f Func) RequestApproval(ctx context.Context, verdict domain.PolicyVerdict, req domain.CommandRequest) (domain.ApprovalDecision, error) {
	return f(ctx, verdict, req)
}
