package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationOrDefaultUsesValueWhenPresent(t *testing.T) {
	d, err := durationOrDefault("5s", "30s")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)
}

func TestDurationOrDefaultFallsBackWhenEmpty(t *testing.T) {
	d, err := durationOrDefault("", "30s")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)
}

func TestDurationOrDefaultRejectsUnparsable(t *testing.T) {
	_, err := durationOrDefault("not-a-duration", "30s")
	assert.Error(t, err)
}

func TestDurationOrDefaultRejectsEmptyBoth(t *testing.T) {
	_, err := durationOrDefault("", "")
	assert.Error(t, err)
}
