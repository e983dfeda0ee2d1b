package tool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	secret := []byte("state-secret")
	now := time.Now()

	raw, err := signState(secret, "nonce-1", "https://lms.example.edu", "client-1", "https://tool.example.com/launch", now, 0)
	require.NoError(t, err)

	st, err := verifyState(secret, raw)
	require.NoError(t, err)
	assert.Equal(t, "nonce-1", st.Nonce)
	assert.Equal(t, "https://lms.example.edu", st.Issuer)
	assert.Equal(t, "client-1", st.ClientID)
	assert.Equal(t, "https://tool.example.com/launch", st.TargetLinkURI)
}

func TestStateWrongSecret(t *testing.T) {
	now := time.Now()
	raw, err := signState([]byte("secret-a"), "n", "iss", "c", "t", now, 0)
	require.NoError(t, err)

	_, err = verifyState([]byte("secret-b"), raw)
	require.Error(t, err)
	assert.Equal(t, KindInvalidState, KindOf(err))
}

func TestStateExpired(t *testing.T) {
	issued := time.Now().Add(-time.Hour)
	raw, err := signState([]byte("secret"), "n", "iss", "c", "t", issued, time.Minute)
	require.NoError(t, err)

	_, err = verifyState([]byte("secret"), raw)
	require.Error(t, err)
	assert.Equal(t, KindInvalidState, KindOf(err))
}

func TestStateGarbage(t *testing.T) {
	_, err := verifyState([]byte("secret"), "not-a-jwt")
	require.Error(t, err)
	assert.Equal(t, KindInvalidState, KindOf(err))
}
