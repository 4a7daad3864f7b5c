package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeysRecursively(t *testing.T) {
	a, err := CanonicalJSON([]byte(`{"z":{"b":2,"a":1},"a":[3,1,2]}`))
	require.NoError(t, err)
	b, err := CanonicalJSON([]byte(`{"a":[3,1,2],"z":{"a":1,"b":2}}`))
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	// Array order is data, not representation.
	assert.Contains(t, string(a), `[3,1,2]`)
}

func TestCanonicalJSONPreservesNumbers(t *testing.T) {
	out, err := CanonicalJSON([]byte(`{"big":9007199254740993,"frac":0.1}`))
	require.NoError(t, err)
	assert.Contains(t, string(out), "9007199254740993")
	assert.Contains(t, string(out), "0.1")
}

func TestCanonicalJSONRejectsGarbage(t *testing.T) {
	_, err := CanonicalJSON([]byte(`{"unterminated":`))
	require.Error(t, err)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := "a-per-job-secret"
	payload := []byte(`{"files":120,"warnings":[]}`)
	reordered := []byte(`{"warnings":[],"files":120}`)

	sig, err := SignResult(secret, payload)
	require.NoError(t, err)

	ok, err := VerifyResult(secret, reordered, sig)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsTamperedResult(t *testing.T) {
	secret := "a-per-job-secret"
	sig, err := SignResult(secret, []byte(`{"files":120}`))
	require.NoError(t, err)

	ok, err := VerifyResult(secret, []byte(`{"files":121}`), sig)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = VerifyResult("other-secret", []byte(`{"files":120}`), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}
