package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/editalflow/api/internal/model"
)

func receive(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		require.True(t, ok, "client channel closed")
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestHub_RoutesEventsByJob(t *testing.T) {
	h := NewHub(nil)
	require.NoError(t, h.Start(context.Background()))
	defer h.Shutdown(context.Background())

	a := &Client{JobID: "job-a", Send: make(chan []byte, 8)}
	b := &Client{JobID: "job-b", Send: make(chan []byte, 8)}
	h.Register(a)
	h.Register(b)
	assert.Eventually(t, func() bool { return h.Subscribers("job-a") == 1 }, time.Second, 5*time.Millisecond)

	h.PublishProgress(model.WSProgressMessage{JobID: "job-a", Progress: 42, Status: model.JobStatusRunning, Stage: model.StageAIAnalysis, StageIndex: 7})
	h.PublishComplete(model.WSCompleteMessage{JobID: "job-b", Status: model.JobStatusSucceeded})

	msg := receive(t, a)
	assert.Equal(t, model.WSMessageTypeProgress, msg["type"])
	assert.Equal(t, 42.0, msg["progress"])
	assert.Equal(t, string(model.StageAIAnalysis), msg["stage"])

	msg = receive(t, b)
	assert.Equal(t, model.WSMessageTypeComplete, msg["type"])

	select {
	case <-a.Send:
		t.Fatal("job-a subscriber received job-b's event")
	default:
	}
}

func TestHub_UnregisterAndShutdownCloseClients(t *testing.T) {
	h := NewHub(nil)
	require.NoError(t, h.Start(context.Background()))

	a := &Client{JobID: "job-a", Send: make(chan []byte, 1)}
	b := &Client{JobID: "job-a", Send: make(chan []byte, 1)}
	h.Register(a)
	h.Register(b)
	h.Unregister(a)
	_, ok := <-a.Send
	assert.False(t, ok)

	require.NoError(t, h.Shutdown(context.Background()))
	_, ok = <-b.Send
	assert.False(t, ok)

	// Publishing and unregistering after shutdown never block.
	h.PublishError(model.WSErrorMessage{JobID: "job-a"})
	h.Unregister(b)
}
