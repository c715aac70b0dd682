// Package executor provides the agent executors that perform computer use
// instructions for the session orchestrator.
package executor

import (
	"context"
	"fmt"

	"github.com/upb/computer-use-api/config"
	"github.com/upb/computer-use-api/services/session"
	"go.uber.org/zap"
)

// Executor is a session.Executor that can also report its own health
type Executor interface {
	session.Executor

	// Name returns the provider name
	Name() string

	// Check reports whether the executor can currently serve requests
	Check(ctx context.Context) error
}

// New builds the executor selected by the configuration
func New(cfg *config.Config, logger *zap.Logger) (Executor, error) {
	switch provider := cfg.ExecutorProvider(); provider {
	case config.ExecutorSimulated:
		logger.Info("using simulated computer use executor")
		return NewSimulated(), nil
	case config.ExecutorAnthropic:
		exec, err := NewAnthropic(cfg.Executor, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("using anthropic computer use executor", zap.String("model", cfg.Executor.Model))
		return exec, nil
	default:
		return nil, fmt.Errorf("unknown executor provider %q", provider)
	}
}
