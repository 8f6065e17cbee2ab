package relaysync

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePayloadProducesTypedVariant(t *testing.T) {
	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		kind EventKind
		body json.RawMessage
		want any
	}{
		{KindPush, pushBody(t, "sha1", now, "initial"), &PushPayload{}},
		{KindChangeRequest, changeRequestBody(t, 7, "open", "", now), &ChangeRequestPayload{}},
		{KindTicket, ticketBody(t, 42, "Bug", "opened", now), &TicketPayload{}},
		{KindPipeline, pipelineBody(t, 900, "success", now), &PipelinePayload{}},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			payload, err := DecodePayload(tc.kind, tc.body)
			require.NoError(t, err)
			assert.IsType(t, tc.want, payload)
			assert.Equal(t, tc.kind, payload.Kind())
			assert.Equal(t, testProjectID, payload.keyFields().ProjectID)
			assert.True(t, payload.SourceTime().Equal(now), "source time %s", payload.SourceTime())
		})
	}
}

func TestDecodePayloadErrorsArePermanent(t *testing.T) {
	_, err := DecodePayload(KindUnknown, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownKind))
	assert.False(t, IsRetryable(err))

	_, err = DecodePayload(KindTicket, json.RawMessage(`{"object_attributes": "nope"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
	assert.False(t, IsRetryable(err))
}

func TestTimestampAcceptsPlatformLayouts(t *testing.T) {
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for _, raw := range []string{
		`"2026-01-02T03:04:05Z"`,
		`"2026-01-02 03:04:05 UTC"`,
		`"2026-01-02 05:04:05 +0200"`,
		`"2026-01-02T05:04:05.000+02:00"`,
	} {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(raw), &ts), raw)
		assert.True(t, ts.Equal(want), "%s parsed as %s", raw, ts.Time)
	}
	var ts Timestamp
	assert.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
}

func TestValidatePayloadRejectsMissingKeys(t *testing.T) {
	require.NoError(t, ValidatePayload(KindTicket, ticketBody(t, 1, "ok", "opened", time.Now())))

	err := ValidatePayload(KindTicket, json.RawMessage(`{"project": {"id": 1}, "object_attributes": {"title": "no iid"}}`))
	require.Error(t, err)
	assert.False(t, IsRetryable(err))

	err = ValidatePayload(KindPush, json.RawMessage(`{"ref": "refs/heads/main", "after": "x"}`))
	require.Error(t, err, "push without any project reference must fail")

	err = ValidatePayload(KindPipeline, json.RawMessage(`[1, 2, 3]`))
	require.Error(t, err)
}

func TestClosingReferences(t *testing.T) {
	assert.Equal(t, []int64{42}, ClosingReferences("fixes #42"))
	assert.Equal(t, []int64{1, 2}, ClosingReferences("Closes #1 and resolved #2, also fixes #1"))
	assert.Equal(t, []int64{9}, ClosingReferences("Fix: #9 crash"))
	assert.Empty(t, ClosingReferences("refs #42, see #7"))
	assert.Empty(t, ClosingReferences("prefixes #3"))
}

func TestParseEventKindAcceptsHookHeaders(t *testing.T) {
	assert.Equal(t, KindPush, ParseEventKind("Push Hook"))
	assert.Equal(t, KindPush, ParseEventKind("Tag Push Hook"))
	assert.Equal(t, KindChangeRequest, ParseEventKind("Merge Request Hook"))
	assert.Equal(t, KindTicket, ParseEventKind("Confidential Issue Hook"))
	assert.Equal(t, KindPipeline, ParseEventKind("pipeline"))
	assert.Equal(t, KindUnknown, ParseEventKind("Wiki Page Hook"))
}

func TestFingerprintStableAcrossDeliveries(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	a, err := DecodePayload(KindPush, pushBody(t, "sha1", now, "one"))
	require.NoError(t, err)
	b, err := DecodePayload(KindPush, pushBody(t, "sha1", now, "one"))
	require.NoError(t, err)
	c, err := DecodePayload(KindPush, pushBody(t, "sha2", now, "one"))
	require.NoError(t, err)

	assert.Equal(t, Fingerprint(testInstanceID, a), Fingerprint(testInstanceID, b))
	assert.NotEqual(t, Fingerprint(testInstanceID, a), Fingerprint(testInstanceID, c))
	assert.NotEqual(t, Fingerprint(testInstanceID, a), Fingerprint("other", a))
	assert.Len(t, Fingerprint(testInstanceID, a), 64)
}
