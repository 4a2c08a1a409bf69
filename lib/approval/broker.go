// Copyright 2026 The DevIt Authors
// SPDX-License-Identifier: Apache-2.0

package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devit-dev/devitd/lib/clock"
	"github.com/devit-dev/devitd/lib/policy"
)

// Verdict is the approver's decision on a pending operation.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictDenied   Verdict = "denied"
)

// Request is a pending approval, as rendered for the approver.
type Request struct {
	ID              string
	Operation       policy.Operation
	ApproverTarget  string
	RiskLevel       RiskLevel
	Summary         string
	Preview         string
	DiffText        string
	HighlightedDiff string
	CreatedAt       time.Time
}

// VerdictResult is the resolved outcome of a Request: what the approver
// said, and (for a timeout) why none arrived.
type VerdictResult struct {
	Verdict Verdict
	Reason  string
}

// DefaultApproverTarget is used only when the caller supplies no
// approver target at all, per the specification's requirement that
// the approver target be explicitly configured and default to a
// last-resort value only in its absence.
const DefaultApproverTarget = "client:approver"

// Broker tracks pending approvals by id and resolves each exactly
// once, either from Resolve or from Await's timeout. A Broker is safe
// for concurrent use.
type Broker struct {
	mu      sync.Mutex
	pending map[string]chan VerdictResult
	clock   clock.Clock
}

// NewBroker returns an empty broker.
func NewBroker(clk clock.Clock) *Broker {
	return &Broker{
		pending: make(map[string]chan VerdictResult),
		clock:   clk,
	}
}

// Submit registers a pending approval for op and renders its preview.
// approverTarget, if empty, becomes DefaultApproverTarget.
func (b *Broker) Submit(op policy.Operation, protected *policy.ProtectedPathSet, summary, diffText, approverTarget string) (Request, error) {
	if approverTarget == "" {
		approverTarget = DefaultApproverTarget
	}

	preview, err := renderPreview(summary)
	if err != nil {
		return Request{}, err
	}

	var highlighted string
	if diffText != "" {
		highlighted, err = highlightDiff(diffText)
		if err != nil {
			return Request{}, err
		}
	}

	request := Request{
		ID:              uuid.New().String(),
		Operation:       op,
		ApproverTarget:  approverTarget,
		RiskLevel:       AssessRisk(op, protected),
		Summary:         summary,
		Preview:         preview,
		DiffText:        diffText,
		HighlightedDiff: highlighted,
		CreatedAt:       b.clock.Now(),
	}

	b.mu.Lock()
	b.pending[request.ID] = make(chan VerdictResult, 1)
	b.mu.Unlock()

	return request, nil
}

// Await blocks until id's verdict is resolved via Resolve, ctx is
// cancelled, or timeout elapses. A timeout is itself a resolution:
// the id is removed from the pending set and Await returns a denial.
func (b *Broker) Await(ctx context.Context, id string, timeout time.Duration) (VerdictResult, error) {
	b.mu.Lock()
	ch, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return VerdictResult{}, fmt.Errorf("approval: unknown or already-resolved id %q", id)
	}

	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		b.expire(id)
		return VerdictResult{}, ctx.Err()
	case <-b.clock.After(timeout):
		b.expire(id)
		return VerdictResult{Verdict: VerdictDenied, Reason: "approval_timeout"}, nil
	}
}

// Resolve delivers a verdict for id. It returns an error if id is
// unknown (never submitted, already resolved, or already timed out).
func (b *Broker) Resolve(id string, verdict Verdict, reason string) error {
	b.mu.Lock()
	ch, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("approval: unknown or already-resolved id %q", id)
	}

	ch <- VerdictResult{Verdict: verdict, Reason: reason}
	return nil
}

// expire removes id from the pending set without sending on its
// channel, used when Await gives up waiting (timeout or context
// cancellation) so a late Resolve call fails cleanly instead of
// blocking forever on a channel nobody reads from again.
func (b *Broker) expire(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Pending reports the number of approvals currently awaiting a
// verdict.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
