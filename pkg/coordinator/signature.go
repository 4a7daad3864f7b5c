package coordinator

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/shuttersense/shuttersense/pkg/errdefs"
)

// CanonicalJSON re-encodes a JSON document with object keys recursively
// sorted, so signer and verifier hash identical bytes regardless of the
// key order either side produced. Numbers pass through verbatim via
// json.Number; array order is preserved.
func CanonicalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindValidation, "result payload is not valid JSON")
	}
	// json.Marshal writes map keys in sorted order, and json.Number
	// round-trips the original digits, so a single re-encode of the decoded
	// tree is the canonical form.
	out, err := json.Marshal(v)
	if err != nil {
		return nil, errdefs.Wrap(err, errdefs.KindInternal, "failed to canonicalize result")
	}
	return out, nil
}

// SignResult computes the hex HMAC-SHA256 of the canonicalized result using
// the per-job shared secret. The agent runtime uses the same function so
// both sides hash identical bytes.
func SignResult(secret string, result []byte) (string, error) {
	canonical, err := CanonicalJSON(result)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// VerifyResult reports whether signature matches the canonicalized result
// under the per-job secret. Comparison is constant-time.
func VerifyResult(secret string, result []byte, signature string) (bool, error) {
	want, err := SignResult(secret, result)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(signature)), nil
}
