package service

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound indicates the requested resource was not found.
var ErrNotFound = errors.New("not found")

// ErrForbidden indicates the acting principal lacks the required permission.
var ErrForbidden = errors.New("forbidden")

// ValidationError rejects a request before any work is enqueued. Fields lists
// every violation, not just the first.
type ValidationError struct {
	Message string
	Fields  []string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, strings.Join(e.Fields, "; "))
}

// OperationInProgressError rejects a deploy/destroy/cancel request against a
// workshop that already has an active operation. Callers should poll and retry.
type OperationInProgressError struct {
	WorkshopID string
	Status     string
}

func (e *OperationInProgressError) Error() string {
	return fmt.Sprintf("workshop %s has an operation in progress (status %s)", e.WorkshopID, e.Status)
}

// InvalidTransitionError indicates the current state does not permit the
// requested transition. Observed mid-race or on caller programming errors.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s cannot transition from %s to %s", e.Entity, e.From, e.To)
}

// NotCancellableError indicates a cancel request against a deployment that
// already reached a terminal state.
type NotCancellableError struct {
	DeploymentID string
	Status       string
}

func (e *NotCancellableError) Error() string {
	return fmt.Sprintf("deployment %s cannot be cancelled from status %s", e.DeploymentID, e.Status)
}
