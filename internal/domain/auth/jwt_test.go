package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTService_RoundTrip(t *testing.T) {
	svc := NewJWTService(DefaultJWTConfig("test-secret"))

	token, exp, err := svc.IssueToken("alice", []string{RoleOperator}, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	op, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", op.Subject)
	assert.Equal(t, []string{RoleOperator}, op.Roles)
}

func TestJWTService_RejectsForeignSecret(t *testing.T) {
	issuer := NewJWTService(DefaultJWTConfig("one"))
	verifier := NewJWTService(DefaultJWTConfig("two"))

	token, _, err := issuer.IssueToken("alice", nil, 0)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTService_RejectsExpired(t *testing.T) {
	svc := NewJWTService(DefaultJWTConfig("s"))
	token, _, err := svc.IssueToken("alice", nil, time.Minute)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTService_RejectsOtherIssuer(t *testing.T) {
	cfg := DefaultJWTConfig("s")
	cfg.Issuer = "someone-else"
	token, _, err := NewJWTService(cfg).IssueToken("alice", nil, time.Minute)
	require.NoError(t, err)

	_, err = NewJWTService(DefaultJWTConfig("s")).ValidateToken(token)
	assert.Error(t, err)
}

func TestJWTService_RequiresSubject(t *testing.T) {
	_, _, err := NewJWTService(DefaultJWTConfig("s")).IssueToken("", nil, 0)
	assert.Error(t, err)
}
