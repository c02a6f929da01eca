package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionAlert(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Active To Acknowledged To Resolved", func(t *testing.T) {
		a := &Alert{ID: "a1", Status: AlertStatusActive}
		require.NoError(t, TransitionAlert(a, AlertStatusAcknowledged, now))
		assert.Equal(t, AlertStatusAcknowledged, a.Status)
		require.NotNil(t, a.AcknowledgedAt)

		require.NoError(t, TransitionAlert(a, AlertStatusResolved, now))
		assert.Equal(t, AlertStatusResolved, a.Status)
		require.NotNil(t, a.ResolvedAt)
	})

	t.Run("Resolved Is Terminal", func(t *testing.T) {
		a := &Alert{ID: "a2", Status: AlertStatusResolved}
		err := TransitionAlert(a, AlertStatusActive, now)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		err = TransitionAlert(a, AlertStatusAcknowledged, now)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, AlertStatusResolved, a.Status)
	})

	t.Run("Same Status Is A No-op", func(t *testing.T) {
		a := &Alert{ID: "a3", Status: AlertStatusResolved}
		assert.NoError(t, TransitionAlert(a, AlertStatusResolved, now))
	})
}

func TestTransitionIncident(t *testing.T) {
	now := time.Now().UTC()

	t.Run("ResolvedAt Set Only When Resolved", func(t *testing.T) {
		i := &Incident{ID: "i1", Status: IncidentStatusOpen}
		require.NoError(t, TransitionIncident(i, IncidentStatusInvestigating, now))
		assert.Nil(t, i.ResolvedAt)

		require.NoError(t, TransitionIncident(i, IncidentStatusResolved, now))
		require.NotNil(t, i.ResolvedAt)
		assert.Equal(t, now, *i.ResolvedAt)
	})

	t.Run("Cannot Reopen", func(t *testing.T) {
		i := &Incident{ID: "i2", Status: IncidentStatusResolved, ResolvedAt: &now}
		assert.ErrorIs(t, TransitionIncident(i, IncidentStatusOpen, now), ErrInvalidTransition)
		assert.ErrorIs(t, TransitionIncident(i, IncidentStatusInvestigating, now), ErrInvalidTransition)
	})

	t.Run("Unknown Status", func(t *testing.T) {
		i := &Incident{ID: "i3", Status: IncidentStatusOpen}
		assert.ErrorIs(t, TransitionIncident(i, IncidentStatus("closed"), now), ErrInvalidTransition)
	})
}

func TestViolationTypeMapping(t *testing.T) {
	for _, rt := range RuleTypes {
		vt := ViolationTypeFor(rt)
		back, ok := RuleTypeFor(vt)
		assert.True(t, ok, "rule type %s", rt)
		assert.Equal(t, rt, back)
	}

	_, ok := RuleTypeFor(ViolationLLMSafety)
	assert.False(t, ok)
}

func TestCounter(t *testing.T) {
	var c Counter
	c.Inc("10.0.0.1")
	c.Inc("10.0.0.1")
	assert.Equal(t, int64(2), c["10.0.0.1"])

	clone := c.Clone()
	clone.Inc("10.0.0.1")
	assert.Equal(t, int64(2), c["10.0.0.1"])

	v, err := c.Value()
	require.NoError(t, err)
	var back Counter
	require.NoError(t, back.Scan(v))
	assert.Equal(t, c, back)
}
