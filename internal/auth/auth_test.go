package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *TokenManager {
	t.Helper()
	m, err := NewTokenManager("", "", time.Hour)
	require.NoError(t, err)
	return m
}

func TestIssueAndValidateToken(t *testing.T) {
	m := newTestManager(t)
	sessionID := uuid.New()

	token, exp, err := m.IssueToken(sessionID, "planner-1", "worker")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, sessionID, claims.SessionID())
	assert.Equal(t, "planner-1", claims.DisplayName)
	assert.Equal(t, "worker", claims.ParticipantKind)
	assert.Equal(t, "renkei", claims.Issuer)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	m := newTestManager(t)

	_, err := m.ValidateToken("not-a-token")
	assert.Error(t, err)

	_, err = m.ValidateToken("")
	assert.Error(t, err)
}

func TestValidateTokenRejectsForeignKey(t *testing.T) {
	m1 := newTestManager(t)
	m2 := newTestManager(t)

	token, _, err := m1.IssueToken(uuid.New(), "a", "")
	require.NoError(t, err)

	_, err = m2.ValidateToken(token)
	assert.Error(t, err, "token signed by a different key must not validate")
}

func TestExpiredTokenRejected(t *testing.T) {
	m, err := NewTokenManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := m.IssueToken(uuid.New(), "a", "")
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}

func TestRegistrationKeyHash(t *testing.T) {
	encoded, err := HashRegistrationKey("swordfish")
	require.NoError(t, err)
	require.Contains(t, encoded, "$")

	ok, err := VerifyRegistrationKey("swordfish", encoded)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyRegistrationKey("wrong", encoded)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyRegistrationKey("swordfish", "malformed")
	assert.Error(t, err)
}
