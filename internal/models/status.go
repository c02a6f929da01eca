package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a status change is not allowed
var ErrInvalidTransition = errors.New("invalid status transition")

// TransitionAlert moves an alert to the target status. Resolved is terminal.
func TransitionAlert(a *Alert, to AlertStatus, now time.Time) error {
	if a.Status == to {
		return nil
	}
	switch {
	case a.Status == AlertStatusResolved:
		return fmt.Errorf("%w: alert %s is resolved", ErrInvalidTransition, a.ID)
	case to == AlertStatusActive:
		return fmt.Errorf("%w: alert %s cannot return to active", ErrInvalidTransition, a.ID)
	case to == AlertStatusAcknowledged:
		a.AcknowledgedAt = &now
	case to == AlertStatusResolved:
		a.ResolvedAt = &now
	default:
		return fmt.Errorf("%w: unknown alert status %q", ErrInvalidTransition, to)
	}
	a.Status = to
	return nil
}

// TransitionIncident moves an incident to the target status and keeps
// ResolvedAt set exactly when the status is resolved.
func TransitionIncident(i *Incident, to IncidentStatus, now time.Time) error {
	if i.Status == to {
		return nil
	}
	switch to {
	case IncidentStatusOpen, IncidentStatusInvestigating, IncidentStatusResolved:
	default:
		return fmt.Errorf("%w: unknown incident status %q", ErrInvalidTransition, to)
	}
	if i.Status == IncidentStatusResolved {
		return fmt.Errorf("%w: incident %s is resolved", ErrInvalidTransition, i.ID)
	}
	if i.Status == IncidentStatusInvestigating && to == IncidentStatusOpen {
		return fmt.Errorf("%w: incident %s is already under investigation", ErrInvalidTransition, i.ID)
	}
	i.Status = to
	if to == IncidentStatusResolved {
		i.ResolvedAt = &now
	} else {
		i.ResolvedAt = nil
	}
	return nil
}
