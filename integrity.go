package tokenvault

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// IntegrityReport is the result of one integrity check cycle.
type IntegrityReport struct {
	Passed         bool          `json:"passed"`
	TokensVerified int           `json:"tokens_verified"`
	Failures       int           `json:"failures"`
	FailedTokenIDs []string      `json:"failed_token_ids,omitempty"`
	Errors         []string      `json:"errors,omitempty"`
	Duration       time.Duration `json:"duration"`
	CheckedAt      time.Time     `json:"checked_at"`

	// BreachDetected is set on the cycle that reached the breach threshold.
	BreachDetected bool `json:"breach_detected"`
}

// PerformIntegrityCheck authenticates every live record in parallel without
// returning plaintext. TokensVerified counts records that passed.
//
// Consecutive failed cycles are counted; when the counter reaches
// IntegrityOptions.BreachThreshold a single SecurityBreachDetected event is
// published and the breach actions run. The counter resets on a clean cycle.
// A cycle interrupted by ctx reports Passed=false with the interruption in
// Errors, publishes an Error event and leaves the counter unchanged.
// Corrupted records are never repaired.
func (o *Orchestrator) PerformIntegrityCheck(ctx context.Context) IntegrityReport {
	o.integrityMu.Lock()
	defer o.integrityMu.Unlock()

	start := o.now()
	report := IntegrityReport{CheckedAt: start.UTC()}

	lm, err := o.ready()
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}

	ids := lm.liveTokenIDs()
	limit := o.opts.Integrity.Parallelism
	if limit < 1 {
		limit = 1
	}

	var (
		mu     sync.Mutex
		failed = make(map[string]error)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := lm.VerifyToken(id); err != nil {
				mu.Lock()
				failed[id] = err
				mu.Unlock()
			}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		// an interrupted cycle says nothing about the records, so it does not
		// touch the failure streak
		report.Errors = append(report.Errors, fmt.Sprintf("integrity check interrupted: %v", err))
		report.Duration = o.now().Sub(start)
		o.log.Warn("integrity check interrupted", zap.Int("tokens", len(ids)), zap.Error(err))
		o.publish(EventError, "", "", ErrorPayload{Op: opIntegrity, Error: report.Errors[0]})
		return report
	}

	for _, id := range ids {
		if ferr, ok := failed[id]; ok {
			report.FailedTokenIDs = append(report.FailedTokenIDs, id)
			report.Errors = append(report.Errors, ferr.Error())
		}
	}
	report.Failures = len(report.FailedTokenIDs)
	report.TokensVerified = len(ids) - report.Failures
	report.Passed = len(report.Errors) == 0
	report.Duration = o.now().Sub(start)

	o.integrityCompleted(&report)
	if o.metrics != nil {
		o.metrics.observeIntegrityDuration(report.Duration)
	}
	return report
}

// integrityCompleted updates the failure streak and escalates once per streak.
// Must be called with integrityMu held.
func (o *Orchestrator) integrityCompleted(report *IntegrityReport) {
	if report.Passed {
		o.consecutiveFailures = 0
	} else {
		o.consecutiveFailures++
	}
	o.lastIntegrityCheck = report.CheckedAt
	o.lastIntegrityPassed = report.Passed

	consecutive := o.consecutiveFailures
	threshold := o.opts.Integrity.BreachThreshold

	if report.Passed {
		o.log.Info("integrity check passed", zap.Int("tokens_verified", report.TokensVerified))
	} else {
		o.log.Warn("integrity check failed",
			zap.Int("failures", report.Failures),
			zap.Strings("failed_token_ids", report.FailedTokenIDs),
			zap.Int("consecutive_failures", consecutive))
	}

	o.publish(EventIntegrityVerified, "", "", IntegrityVerifiedPayload{
		Passed:              report.Passed,
		TokensVerified:      report.TokensVerified,
		Failures:            report.Failures,
		ConsecutiveFailures: consecutive,
	})

	if !report.Passed && consecutive == threshold {
		report.BreachDetected = true
		o.breachDetected = true
		o.respondToBreach(consecutive, threshold)
	}
}

// respondToBreach publishes SecurityBreachDetected and runs the configured
// actions. Action failures are reported, they do not stop later actions.
func (o *Orchestrator) respondToBreach(consecutive, threshold int) {
	payload := BreachPayload{ConsecutiveFailures: consecutive, Threshold: threshold}

	var errs error
	for _, action := range o.opts.Integrity.BreachActions {
		payload.Actions = append(payload.Actions, string(action))
		if err := o.runBreachAction(action, payload); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", action, err))
		}
	}
	for _, err := range multierr.Errors(errs) {
		payload.ActionErrors = append(payload.ActionErrors, err.Error())
	}

	o.log.Error("security breach detected",
		zap.Int("consecutive_failures", consecutive),
		zap.Strings("actions", payload.Actions),
		zap.Error(errs))
	o.publish(EventSecurityBreachDetected, "", "", payload)
	if errs != nil {
		o.publish(EventError, "", "", ErrorPayload{Op: opBreach, Error: errs.Error()})
	}
}

func (o *Orchestrator) runBreachAction(action BreachAction, payload BreachPayload) error {
	switch action {
	case BreachActionRotateKey:
		_, err := o.RotateMasterKey(context.Background(), "")
		return err
	case BreachActionRevokeAll:
		lm, err := o.ready()
		if err != nil {
			return err
		}
		n, err := lm.RevokeAll("security breach detected")
		o.log.Warn("tokens revoked after breach", zap.Int("revoked", n))
		o.refreshActiveGauge(lm)
		return err
	case BreachActionNotify:
		if o.notifier != nil {
			o.notifier(payload)
		}
		return nil
	default:
		return fmt.Errorf("unknown breach action %q", action)
	}
}
