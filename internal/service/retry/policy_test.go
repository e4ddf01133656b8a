package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/call-verification-engine/internal/domain/verification"
)

func fixedNow() time.Time {
	return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
}

func failedRecord(t *testing.T, attempts int) *verification.Record {
	t.Helper()
	rec, err := verification.NewRecord("VER-1", "Jane", "+15551234567", "Acme", "+15559876543", 0)
	require.NoError(t, err)
	rec.AttemptCount = attempts
	return rec
}

func TestScheduleRetry(t *testing.T) {
	policy := NewPolicyWithNow([]time.Duration{30 * time.Minute, 240 * time.Minute}, fixedNow)

	t.Run("first failure waits 30 minutes", func(t *testing.T) {
		next := policy.ScheduleRetry(failedRecord(t, 1))
		require.NotNil(t, next)
		assert.Equal(t, fixedNow().Add(30*time.Minute), *next)
	})

	t.Run("second failure waits 4 hours", func(t *testing.T) {
		next := policy.ScheduleRetry(failedRecord(t, 2))
		require.NotNil(t, next)
		assert.Equal(t, fixedNow().Add(240*time.Minute), *next)
	})

	t.Run("third failure exhausts the budget", func(t *testing.T) {
		assert.Nil(t, policy.ScheduleRetry(failedRecord(t, 3)))
	})

	t.Run("zero attempts schedules nothing", func(t *testing.T) {
		assert.Nil(t, policy.ScheduleRetry(failedRecord(t, 0)))
	})

	t.Run("windows are strictly increasing", func(t *testing.T) {
		first := policy.ScheduleRetry(failedRecord(t, 1))
		second := policy.ScheduleRetry(failedRecord(t, 2))
		require.NotNil(t, first)
		require.NotNil(t, second)
		assert.True(t, second.After(*first))
	})
}

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, 3, NewPolicy([]time.Duration{30 * time.Minute, 240 * time.Minute}).MaxAttempts())
	assert.Equal(t, 1, NewPolicy(nil).MaxAttempts())
}

func TestScheduleRetryOffsetsFromNow(t *testing.T) {
	// Windows count from the scheduling moment, not the original failure, so
	// a scheduler restart never compresses the wait.
	current := fixedNow()
	policy := NewPolicyWithNow([]time.Duration{30 * time.Minute}, func() time.Time { return current })

	first := policy.ScheduleRetry(failedRecord(t, 1))
	require.NotNil(t, first)

	current = current.Add(2 * time.Hour)
	later := policy.ScheduleRetry(failedRecord(t, 1))
	require.NotNil(t, later)
	assert.Equal(t, 2*time.Hour, later.Sub(*first))
}
