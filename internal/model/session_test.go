package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDisplayName(t *testing.T) {
	require.NoError(t, ValidateDisplayName("planner-1"))
	require.Error(t, ValidateDisplayName(""))
	require.Error(t, ValidateDisplayName("   "))
	require.Error(t, ValidateDisplayName(strings.Repeat("x", MaxDisplayNameLen+1)))
}

func TestValidateInterestTags(t *testing.T) {
	require.NoError(t, ValidateInterestTags(nil))
	require.NoError(t, ValidateInterestTags([]string{"task.worker", "region-eu", "tier_2"}))

	assert.Error(t, ValidateInterestTags([]string{""}))
	assert.Error(t, ValidateInterestTags([]string{"UPPER"}))
	assert.Error(t, ValidateInterestTags([]string{"has space"}))
	assert.Error(t, ValidateInterestTags([]string{strings.Repeat("a", MaxInterestTagLen+1)}))

	tooMany := make([]string, MaxInterestTags+1)
	for i := range tooMany {
		tooMany[i] = "tag"
	}
	assert.Error(t, ValidateInterestTags(tooMany))
}

func TestSessionHasAllTags(t *testing.T) {
	s := Session{InterestTags: []string{"worker", "eu", "gpu"}}

	assert.True(t, s.HasAllTags(nil))
	assert.True(t, s.HasAllTags([]string{"worker"}))
	assert.True(t, s.HasAllTags([]string{"gpu", "eu"}))
	assert.False(t, s.HasAllTags([]string{"worker", "us"}))

	empty := Session{}
	assert.True(t, empty.HasAllTags(nil))
	assert.False(t, empty.HasAllTags([]string{"worker"}))
}

func TestSessionAlive(t *testing.T) {
	assert.True(t, Session{Status: StatusActive}.Alive())
	assert.True(t, Session{Status: StatusStale}.Alive())
	assert.False(t, Session{Status: StatusExpired}.Alive())
}
