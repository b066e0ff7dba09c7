package testutil

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/msgmux/pkg/types"
)

// AssertTextMessage checks the basic shape of a successful non-streaming
// response and returns its concatenated text.
func AssertTextMessage(t *testing.T, msg *types.MessagesResponse) string {
	t.Helper()
	require.NotNil(t, msg)
	assert.Equal(t, "message", msg.Type)
	assert.Equal(t, types.RoleAssistant, msg.Role)
	assert.NotEmpty(t, msg.ID)
	require.NotEmpty(t, msg.Content)
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == types.BlockText {
			text.WriteString(block.Text)
		}
	}
	assert.NotEmpty(t, text.String(), "expected at least one text block")
	return text.String()
}

// AssertErrorEnvelope decodes an error response and checks status and
// message fragment. The envelope is returned for further assertions.
func AssertErrorEnvelope(t *testing.T, resp *http.Response, wantStatus int, wantFragment string) *types.ErrorResponse {
	t.Helper()
	require.NotNil(t, resp)
	assert.Equal(t, wantStatus, resp.StatusCode)
	envelope, err := DecodeError(resp)
	require.NoError(t, err)
	assert.Equal(t, "error", envelope.Type)
	if wantFragment != "" {
		assert.Contains(t, envelope.Error.Message, wantFragment)
	}
	return envelope
}

// EventNames extracts the event field of each frame in order.
func EventNames(events []SSEEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Event)
	}
	return out
}

// AssertEventSequence checks the exact event order of a full stream.
func AssertEventSequence(t *testing.T, events []SSEEvent, want ...string) {
	t.Helper()
	assert.Equal(t, want, EventNames(events))
}

// AssertCanonicalStream checks a single-text-block stream: message_start,
// ping, one block with at least one delta, message_delta, message_stop.
// Returns the concatenated delta text.
func AssertCanonicalStream(t *testing.T, events []SSEEvent) string {
	t.Helper()
	require.NotEmpty(t, events)
	assert.Equal(t, types.EventMessageStart, events[0].Event)
	assert.Equal(t, types.EventMessageStop, events[len(events)-1].Event)

	names := EventNames(events)
	assert.Contains(t, names, types.EventContentBlockStart)
	assert.Contains(t, names, types.EventContentBlockStop)
	assert.Contains(t, names, types.EventMessageDelta)
	assert.NotContains(t, names, types.EventError)

	return CollectText(t, events)
}

// CollectText concatenates the text deltas of a stream.
func CollectText(t *testing.T, events []SSEEvent) string {
	t.Helper()
	var text strings.Builder
	for _, ev := range events {
		if ev.Event != types.EventContentBlockDelta {
			continue
		}
		var delta types.ContentBlockDeltaEvent
		require.NoError(t, ev.Decode(&delta))
		text.WriteString(delta.Delta.Text)
	}
	return text.String()
}

// AssertRequestCount checks how many requests reached a mock upstream.
func AssertRequestCount(t *testing.T, upstream *MockUpstream, want int) {
	t.Helper()
	assert.Equal(t, want, upstream.RequestCount(), "upstream request count")
}

// AssertProviderErrors checks the consecutive error counter reported by
// the admin endpoint for one provider.
func AssertProviderErrors(t *testing.T, client *TestClient, name string, want int) {
	t.Helper()
	status, err := client.Provider(name)
	require.NoError(t, err)
	assert.Equal(t, want, status.ConsecutiveErrors, "consecutive errors for %s", name)
}
