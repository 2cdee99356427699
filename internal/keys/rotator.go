package keys

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Rotator checks the rotation policy on a fixed period and rotates when due.
type Rotator struct {
	manager *Manager
	period  time.Duration
	logger  *logrus.Logger
}

// NewRotator creates a Rotator. period defaults to one tenth of the rotation interval.
func NewRotator(manager *Manager, period time.Duration, logger *logrus.Logger) *Rotator {
	if period <= 0 {
		period = manager.RotationInterval() / 10
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Rotator{manager: manager, period: period, logger: logger}
}

// CheckOnce rotates if the policy says so and reports whether it did.
func (r *Rotator) CheckOnce(ctx context.Context) (bool, error) {
	due, err := r.manager.ShouldRotateKeys(ctx)
	if err != nil || !due {
		return false, err
	}
	if _, err := r.manager.RotateKeys(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Run blocks until ctx is cancelled.
func (r *Rotator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		if _, err := r.CheckOnce(ctx); err != nil {
			r.logger.WithError(err).Warn("Scheduled key rotation check failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
