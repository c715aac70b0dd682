package executor

import (
	"context"
	"time"

	"github.com/upb/computer-use-api/config"
	"github.com/upb/computer-use-api/services/session"
)

const (
	simulatedTokens = 150
	simulatedCost   = "0.003"
	simulatedModel  = "simulated"
)

// Simulated answers every instruction without doing any work. It is used in
// development and whenever no model API key is configured.
type Simulated struct {
	// Delay is waited before answering, or until ctx is done
	Delay time.Duration
}

// NewSimulated creates a simulated executor
func NewSimulated() *Simulated {
	return &Simulated{}
}

// Name returns the provider name
func (s *Simulated) Name() string {
	return config.ExecutorSimulated
}

// Execute echoes the instructions with fixed usage figures
func (s *Simulated) Execute(ctx context.Context, instructions string) (*session.ExecutionResult, error) {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return &session.ExecutionResult{
		Response:    "I'll help you with: " + instructions,
		TotalTokens: simulatedTokens,
		Cost:        simulatedCost,
		Model:       simulatedModel,
	}, nil
}

// Check always succeeds
func (s *Simulated) Check(ctx context.Context) error {
	return nil
}
