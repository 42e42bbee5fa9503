package scan

import (
	"strings"

	"github.com/ionlab/pmtscan/internal/errors"
)

// FaultPolicy decides what happens to a cell whose acquisition returned the
// wrong number of samples.
type FaultPolicy string

const (
	// PolicySkip records no data and continues.
	PolicySkip FaultPolicy = "skip"
	// PolicyRetry resubmits the same cell up to MaxRetries times, then
	// records no data.
	PolicyRetry FaultPolicy = "retry"
	// PolicyAbort aborts the session.
	PolicyAbort FaultPolicy = "abort"
)

// ParseFaultPolicy parses a policy name. The empty string is PolicySkip.
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch p := FaultPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicySkip, nil
	case PolicySkip, PolicyRetry, PolicyAbort:
		return p, nil
	default:
		return "", errors.NewConfigurationError("unknown fault policy", errors.ErrInvalidInput).
			WithField("fault.policy").
			WithValue(s)
	}
}

// action is what the result loop does with a failed result.
type action int

const (
	actRecord action = iota // write the cell, no data if failed
	actRetry
	actAbort
)

// decide classifies a result error. Device faults always abort; only
// acquisition faults are subject to the policy.
func decide(err error, policy FaultPolicy, attempt, maxRetries int) action {
	if err == nil {
		return actRecord
	}
	var acq *errors.AcquisitionFault
	if !errors.As(err, &acq) {
		return actAbort
	}
	switch policy {
	case PolicyAbort:
		return actAbort
	case PolicyRetry:
		if attempt < maxRetries && errors.IsRetryable(err) {
			return actRetry
		}
		return actRecord
	default:
		return actRecord
	}
}
