package action

import (
	"errors"
	"fmt"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIs(t *testing.T) {
	err := Errorf(KindSandboxFault, "trap: %s", "unreachable")
	wrapped := fmt.Errorf("invoke: %w", err)

	assert.ErrorIs(t, wrapped, ErrSandboxFault)
	assert.NotErrorIs(t, wrapped, ErrRemoteTimeout)
	assert.Equal(t, KindSandboxFault, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, "SandboxFault: trap: unreachable", err.Error())
	assert.Equal(t, "PolicyRejected", ErrPolicyRejected.Error())
}

func TestErrorWithDetail(t *testing.T) {
	base := Errorf(KindRemoteUnavailable, "dial failed")
	withDetail := base.WithDetail("endpoint", "nats://localhost:4222")

	assert.Nil(t, base.Details)
	assert.Equal(t, "nats://localhost:4222", withDetail.Details["endpoint"])
}

func TestKindDispatch(t *testing.T) {
	assert.True(t, KindUnknownCapability.Dispatch())
	assert.True(t, KindPolicyRejected.Dispatch())
	assert.True(t, KindNoBackendForTarget.Dispatch())
	assert.True(t, KindOverloaded.Dispatch())
	assert.False(t, KindSandboxFault.Dispatch())
	assert.False(t, KindDeadlineExceeded.Dispatch())
}

func TestNewRequest(t *testing.T) {
	t.Run("encodes structured input", func(t *testing.T) {
		req, err := NewRequest("tts.echo", map[string]string{"text": "Hello Loom!"},
			WithCorrelationID("call_001"),
			WithOrigin(OriginLocal),
			WithHeader("qos", "realtime"),
		)
		require.NoError(t, err)
		assert.Equal(t, "tts.echo", req.Capability)
		assert.Equal(t, "call_001", req.CorrelationID)
		assert.Equal(t, OriginLocal, req.Origin)
		assert.Equal(t, "realtime", req.Headers["qos"])
		assert.JSONEq(t, `{"text":"Hello Loom!"}`, string(req.Input))
	})

	t.Run("keeps raw json verbatim", func(t *testing.T) {
		req, err := NewRequest("tts.echo", []byte(`{"text":"raw"}`))
		require.NoError(t, err)
		assert.Equal(t, `{"text":"raw"}`, string(req.Input))
		assert.Equal(t, OriginUnspecified, req.Origin)
	})

	t.Run("rejects invalid raw json", func(t *testing.T) {
		_, err := NewRequest("tts.echo", []byte(`{"text":`))
		assert.Error(t, err)
	})

	t.Run("requires a capability", func(t *testing.T) {
		_, err := NewRequest("", nil)
		assert.ErrorContains(t, err, "capability is required")
	})

	t.Run("timeout option sets the deadline", func(t *testing.T) {
		req, err := NewRequest("tts.echo", nil, WithTimeout(time.Minute))
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().Add(time.Minute), req.Deadline, time.Second)
		assert.False(t, req.Expired())
		assert.Greater(t, req.Timeout(), 50*time.Second)
	})
}

func TestRequestExpired(t *testing.T) {
	req := Request{Capability: "x", Deadline: time.Now().Add(-time.Second)}
	assert.True(t, req.Expired())
	assert.Equal(t, time.Duration(0), req.Timeout())

	assert.False(t, Request{Capability: "x"}.Expired())
}

func TestRequestJSON(t *testing.T) {
	deadline := time.Date(2026, 1, 2, 3, 4, 5, 6000000, time.UTC)
	req := Request{
		Capability:    "llm.infer",
		Version:       "0.1.0",
		CorrelationID: "abc",
		Input:         json.RawMessage(`{"prompt":"hi"}`),
		Deadline:      deadline,
		Headers:       map[string]string{"qos": "batch"},
	}

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"capability":"llm.infer",
		"version":"0.1.0",
		"correlation_id":"abc",
		"input":{"prompt":"hi"},
		"deadline":"2026-01-02T03:04:05.006Z",
		"origin":"unspecified",
		"headers":{"qos":"batch"}
	}`, string(data))

	var decoded Request
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, req.Capability, decoded.Capability)
	assert.Equal(t, req.CorrelationID, decoded.CorrelationID)
	assert.True(t, deadline.Equal(decoded.Deadline))
	assert.Equal(t, OriginUnspecified, decoded.Origin)
	assert.Equal(t, "batch", decoded.Headers["qos"])
	assert.JSONEq(t, `{"prompt":"hi"}`, string(decoded.Input))
}

func TestRequestUnmarshalRequiresCapability(t *testing.T) {
	var req Request
	assert.Error(t, json.Unmarshal([]byte(`{"input":{}}`), &req))
}

func TestRequestClone(t *testing.T) {
	req := Request{Capability: "x", Input: json.RawMessage(`{"a":1}`), Headers: map[string]string{"k": "v"}}
	cp := req.Clone()
	cp.Input[2] = 'b'
	cp.Headers["k"] = "changed"

	assert.Equal(t, `{"a":1}`, string(req.Input))
	assert.Equal(t, "v", req.Headers["k"])
}

func TestResultWireShape(t *testing.T) {
	res, err := OK("call_001", map[string]string{"spoken": "Hello Loom!"})
	require.NoError(t, err)

	data, err := json.Marshal(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"correlation_id":"call_001","status":0,"error":null,"output":{"spoken":"Hello Loom!"}}`, string(data))

	failed := Failf("call_002", KindSandboxFault, "unreachable executed")
	data, err = json.Marshal(failed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"correlation_id":"call_002","status":1,"error":{"kind":"SandboxFault","message":"unreachable executed"},"output":null}`, string(data))
}

func TestFail(t *testing.T) {
	t.Run("deadline maps to timeout status", func(t *testing.T) {
		res := Fail("id", Errorf(KindDeadlineExceeded, "too slow"))
		assert.Equal(t, StatusTimeout, res.Status)
		assert.ErrorIs(t, res.Err(), ErrDeadlineExceeded)
	})

	t.Run("plain errors become capability errors", func(t *testing.T) {
		res := Fail("id", errors.New("boom"))
		assert.Equal(t, StatusError, res.Status)
		assert.Equal(t, KindCapabilityError, res.Error.Kind)
		assert.Equal(t, "boom", res.Error.Message)
	})

	t.Run("wrapped kinds are preserved", func(t *testing.T) {
		res := Fail("id", fmt.Errorf("call: %w", Errorf(KindRemoteTimeout, "slow")))
		assert.Equal(t, KindRemoteTimeout, res.Error.Kind)
	})

	t.Run("nil error still fails", func(t *testing.T) {
		res := Fail("id", nil)
		assert.False(t, res.Succeeded())
	})
}

func TestDecodeResult(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		status  Status
	}{
		{name: "success", input: `{"status":0,"output":{"ok":true}}`, status: StatusOK},
		{name: "failure", input: `{"status":1,"error":{"kind":"CapabilityError","message":"x"}}`, status: StatusError},
		{name: "missing status", input: `{"output":{}}`, wantErr: true},
		{name: "string status", input: `{"status":"0"}`, wantErr: true},
		{name: "failure without error", input: `{"status":1}`, wantErr: true},
		{name: "error without kind", input: `{"status":1,"error":{"message":"x"}}`, wantErr: true},
		{name: "not an object", input: `[1,2]`, wantErr: true},
		{name: "garbage", input: `{{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := DecodeResult([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, res.Status)
		})
	}
}

func TestResultDecode(t *testing.T) {
	res, err := OK("id", json.RawMessage(`{"spoken":"hi"}`))
	require.NoError(t, err)

	var out struct {
		Spoken string `json:"spoken"`
	}
	require.NoError(t, res.Decode(&out))
	assert.Equal(t, "hi", out.Spoken)

	assert.Error(t, Result{}.Decode(&out))
}
