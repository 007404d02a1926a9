package api

import (
	"context"
	"time"

	"github.com/trainmesh/coordinator/internal/domain"
)

// GradientIntake bridges the HTTP gradient-submission handler to the
// coordinator's polling collect loop: workers POST, the round loop pulls.
type GradientIntake struct {
	ch chan domain.GradientSubmission
}

// NewGradientIntake creates an intake queue with the given buffer size.
func NewGradientIntake(buffer int) *GradientIntake {
	if buffer <= 0 {
		buffer = 256
	}
	return &GradientIntake{ch: make(chan domain.GradientSubmission, buffer)}
}

// Offer enqueues a submission, returning false if the queue is full or ctx
// is already done.
func (g *GradientIntake) Offer(ctx context.Context, sub domain.GradientSubmission) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case g.ch <- sub:
		return true
	default:
		return false
	}
}

// Next implements coordinator.GradientIntake: it blocks until a submission
// arrives, the deadline passes, or ctx is cancelled.
func (g *GradientIntake) Next(ctx context.Context, deadline time.Time) (domain.GradientSubmission, bool) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case sub := <-g.ch:
		return sub, true
	case <-timer.C:
		return domain.GradientSubmission{}, false
	case <-ctx.Done():
		return domain.GradientSubmission{}, false
	}
}
