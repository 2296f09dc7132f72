package envelope_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/maolilup/TiShiNengRunning/internal/config"
	"github.com/maolilup/TiShiNengRunning/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testVendor() config.Vendor {
	return config.DefaultServiceConfigFromEnv().Vendor
}

func newTestEnvelope(t *testing.T, token string) *envelope.Envelope {
	t.Helper()
	e, err := envelope.New(testVendor(), token)
	require.NoError(t, err)
	return e
}

func TestCanonicalizeInsertionOrderInvariant(t *testing.T) {
	a := map[string]any{
		"runType":   1,
		"longitude": 108.911,
		"latitude":  34.23,
		"appType":   "Android",
	}
	b := map[string]any{
		"appType":   "Android",
		"latitude":  34.23,
		"longitude": 108.911,
		"runType":   1,
	}

	ca, err := envelope.Canonicalize(a)
	require.NoError(t, err)
	cb, err := envelope.Canonicalize(b)
	require.NoError(t, err)
	assert.Equal(t, ca, cb)

	// Repeated runs stay byte-identical.
	ca2, err := envelope.Canonicalize(a)
	require.NoError(t, err)
	assert.Equal(t, ca, ca2)
}

func TestCanonicalizeSortsKeys(t *testing.T) {
	c, err := envelope.Canonicalize(map[string]any{"b": 2, "a": 1, "c": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":"x"}`, string(c))
}

func TestCipherRoundTrip(t *testing.T) {
	e := newTestEnvelope(t, "token-abc")

	cipher, key, err := e.EphemeralCipher("1700000000000")
	require.NoError(t, err)
	assert.Len(t, key, 16)

	canonical, err := envelope.Canonicalize(map[string]any{"identify": "id-1", "runType": 1})
	require.NoError(t, err)

	enc, err := cipher.Encrypt(string(canonical))
	require.NoError(t, err)
	dec, err := cipher.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, string(canonical), dec)
}

func TestEphemeralCipherReproducible(t *testing.T) {
	e := newTestEnvelope(t, "token-abc")

	_, key1, err := e.EphemeralCipher("1700000000000")
	require.NoError(t, err)
	_, key2, err := e.EphemeralCipher("1700000000000")
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	_, key3, err := e.EphemeralCipher("1700000000001")
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3)
}

func TestCBCRoundTripZeroPadding(t *testing.T) {
	cipher, err := envelope.NewCBCCipher("thanks,pig4cloud", "thanks,pig4cloud")
	require.NoError(t, err)

	enc, err := cipher.EncryptZeroPadded("secret-password")
	require.NoError(t, err)
	assert.NotEmpty(t, enc)
}

func TestSignDeterministic(t *testing.T) {
	e := newTestEnvelope(t, "token-abc")
	params := map[string]any{"identify": "id-1", "status": 1}

	s1, err := e.Sign(params, "1700000000000")
	require.NoError(t, err)
	s2, err := e.Sign(params, "1700000000000")
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Len(t, s1, 32)
}

func TestSignSensitivity(t *testing.T) {
	e := newTestEnvelope(t, "token-abc")
	params := map[string]any{"identify": "id-1", "status": 1}

	base, err := e.Sign(params, "1700000000000")
	require.NoError(t, err)

	changedParam, err := e.Sign(map[string]any{"identify": "id-2", "status": 1}, "1700000000000")
	require.NoError(t, err)
	assert.NotEqual(t, base, changedParam)

	changedTimestamp, err := e.Sign(params, "1700000000001")
	require.NoError(t, err)
	assert.NotEqual(t, base, changedTimestamp)

	other := newTestEnvelope(t, "token-xyz")
	changedToken, err := other.Sign(params, "1700000000000")
	require.NoError(t, err)
	assert.NotEqual(t, base, changedToken)
}

func TestSignDoesNotMutateParams(t *testing.T) {
	e := newTestEnvelope(t, "token-abc")
	params := map[string]any{"identify": "id-1"}

	_, err := e.Sign(params, "1700000000000")
	require.NoError(t, err)
	assert.Len(t, params, 1)
	_, ok := params["appId"]
	assert.False(t, ok)
}

func TestSetTokenReplacesSigningCipher(t *testing.T) {
	e := newTestEnvelope(t, "token-abc")
	params := map[string]any{"identify": "id-1"}

	before, err := e.Sign(params, "1700000000000")
	require.NoError(t, err)

	require.NoError(t, e.SetToken("token-refreshed"))
	assert.Equal(t, "token-refreshed", e.Token())

	after, err := e.Sign(params, "1700000000000")
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestEncParamsTransportSafety(t *testing.T) {
	e := newTestEnvelope(t, "token-abc")
	params := map[string]any{"runType": 1}

	plain, err := e.EncParams(params, "1700000000000", false)
	require.NoError(t, err)
	assert.NotContains(t, plain.Key, "+")
	assert.NotContains(t, plain.Param, "+")

	encoded, err := e.EncParams(params, "1700000000000", true)
	require.NoError(t, err)
	assert.NotContains(t, encoded.Key, " ")
	assert.NotContains(t, encoded.Param, " ")
}

func TestEncParamsRoundTrip(t *testing.T) {
	e := newTestEnvelope(t, "token-abc")
	timestamp := "1700000000000"
	params := map[string]any{"identify": "id-1", "runType": 2}

	enc, err := e.FaceEncParams(params, timestamp)
	require.NoError(t, err)

	// The server-side view: unwrap with the ephemeral cipher and compare to
	// the canonical serialization of the stamped params.
	cipher, _, err := e.EphemeralCipher(timestamp)
	require.NoError(t, err)

	dec, err := cipher.Decrypt(enc.Param)
	require.NoError(t, err)

	v, err := cipher.Encrypt(testVendor().AppSignHash)
	require.NoError(t, err)
	want, err := envelope.Canonicalize(map[string]any{"identify": "id-1", "runType": 2, "v": v})
	require.NoError(t, err)
	assert.JSONEq(t, string(want), dec)
}

func TestAttestationChecksumIdempotent(t *testing.T) {
	env, err := envelope.BuildEnvironment("device-1", []string{"arm64-v8a"}, time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.Equal(t, "device-1", env.DeviceID)
	assert.NotEmpty(t, env.Safe)

	var payload envelope.DevicePayload
	require.NoError(t, json.Unmarshal([]byte(env.Oppo), &payload))
	require.NotEmpty(t, payload.Checksum)

	recomputed, err := envelope.PayloadChecksum(payload)
	require.NoError(t, err)
	assert.Equal(t, payload.Checksum, recomputed)

	// Recomputing over an already stamped object is stable.
	payload.Checksum = recomputed
	again, err := envelope.PayloadChecksum(payload)
	require.NoError(t, err)
	assert.Equal(t, recomputed, again)
}

func TestAttestationDevicePayloadShape(t *testing.T) {
	env, err := envelope.BuildEnvironment("device-1", []string{"arm64-v8a"}, time.Unix(1700000000, 0))
	require.NoError(t, err)

	var oppo map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(env.Oppo), &oppo))

	assert.JSONEq(t, `"success"`, string(oppo["auth"]))
	// probes that always report a findings list, empty or not
	for _, probe := range []string{"frida", "hook", "breakpoint"} {
		assert.JSONEq(t, `{"result":"false","detail":[]}`, string(oppo[probe]), probe)
	}
	assert.JSONEq(t, `{"result":"false","detail":["Enforcing\n"]}`, string(oppo["selinux"]))
	// probes that carry only the verdict
	for _, probe := range []string{"root", "xposed", "proxy", "vpn", "separation", "emulator", "ptrace"} {
		assert.JSONEq(t, `{"result":"false"}`, string(oppo[probe]), probe)
	}
	assert.Contains(t, oppo, "nonce")
	assert.Contains(t, oppo, "timestamp")
	assert.Contains(t, oppo, "checksum")
}

func TestAttestationNonceFresh(t *testing.T) {
	a, err := envelope.BuildEnvironment("device-1", nil, time.Unix(1700000000, 0))
	require.NoError(t, err)
	b, err := envelope.BuildEnvironment("device-1", nil, time.Unix(1700000000, 0))
	require.NoError(t, err)
	assert.NotEqual(t, a.Oppo, b.Oppo)
}
