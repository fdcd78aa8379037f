package cast

import (
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"testing"
	"time"
)

const testAppId = "CC32E753"

func receiverStatusWith(requestId float64, applications ...map[string]any) map[string]any {
	apps := make([]any, 0, len(applications))
	for _, app := range applications {
		apps = append(apps, app)
	}
	return map[string]any{
		"type":      "RECEIVER_STATUS",
		"requestId": requestId,
		"status": map[string]any{
			"applications": apps,
			"volume":       map[string]any{"level": 0.4, "muted": false},
		},
	}
}

func spotifyApp() map[string]any {
	return map[string]any{
		"appId":       testAppId,
		"displayName": "Spotify",
		"sessionId":   "session-1",
		"transportId": "web-7",
		"namespaces":  []any{map[string]any{"name": "urn:x-cast:com.spotify.chromecast.secure.v1"}},
	}
}

func newTestSession(t *testing.T) (*fakeCastDevice, *AppSession) {
	device, client := startFakeCastDevice(t)
	conn := NewConnection(client, time.Hour, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = conn.Close() })
	device.expect(ConnectionNamespace, "CONNECT")
	return device, NewAppSession(conn, testAppId, zaptest.NewLogger(t))
}

func TestLaunchAppConnectsToTransportAndReportsLaunch(t *testing.T) {
	device, session := newTestSession(t)
	launched := make(chan error, 1)
	require.NoError(t, session.LaunchApp(testAppId, func(err error) { launched <- err }))

	_, launch := device.expect(ReceiverNamespace, "LAUNCH")
	assert.Equal(t, testAppId, launch["appId"])
	assert.Equal(t, float64(1), launch["requestId"])

	device.send(ReceiverId, SenderId, ReceiverNamespace, receiverStatusWith(1, spotifyApp()))
	connect, _ := device.expect(ConnectionNamespace, "CONNECT")
	assert.Equal(t, "web-7", connect.DestinationId)
	select {
	case err := <-launched:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "launch was not reported")
	}

	require.NoError(t, session.SendMessage("urn:x-cast:com.spotify.chromecast.secure.v1", map[string]string{"type": "getInfo"}))
	message, _ := device.expect("urn:x-cast:com.spotify.chromecast.secure.v1", "getInfo")
	assert.Equal(t, "web-7", message.DestinationId)
	assert.Equal(t, SenderId, message.SourceId)
}

func TestStatusWithoutTheAppDoesNotReportLaunch(t *testing.T) {
	device, session := newTestSession(t)
	launched := make(chan error, 1)
	require.NoError(t, session.LaunchApp(testAppId, func(err error) { launched <- err }))
	device.expect(ReceiverNamespace, "LAUNCH")

	device.send(ReceiverId, SenderId, ReceiverNamespace, receiverStatusWith(0, map[string]any{
		"appId": "E8C28D3C", "sessionId": "backdrop", "transportId": "backdrop",
	}))
	select {
	case <-launched:
		require.FailNow(t, "launch reported for another app")
	case <-time.After(50 * time.Millisecond):
	}
	assert.ErrorIs(t, session.SendMessage("urn:x-cast:any", map[string]string{}), ErrNoSession)
}

func TestLaunchErrorIsReported(t *testing.T) {
	device, session := newTestSession(t)
	launched := make(chan error, 1)
	require.NoError(t, session.LaunchApp(testAppId, func(err error) { launched <- err }))
	device.expect(ReceiverNamespace, "LAUNCH")

	device.send(ReceiverId, SenderId, ReceiverNamespace, map[string]any{"type": "LAUNCH_ERROR", "requestId": 1, "reason": "NOT_FOUND"})
	select {
	case err := <-launched:
		assert.ErrorContains(t, err, "NOT_FOUND")
	case <-time.After(2 * time.Second):
		require.FailNow(t, "launch error was not reported")
	}
}

func TestSubscribeDeliversAppMessages(t *testing.T) {
	device, session := newTestSession(t)
	payloads := make(chan string, 2)
	session.Subscribe("urn:x-cast:com.spotify.chromecast.secure.v1", func(payload []byte) error {
		payloads <- string(payload)
		return errors.New("handler errors are only logged")
	})

	device.send("web-7", SenderId, "urn:x-cast:com.spotify.chromecast.secure.v1", map[string]any{"type": "addUserResponse"})
	select {
	case payload := <-payloads:
		assert.JSONEq(t, `{"type":"addUserResponse"}`, payload)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "app message was not delivered")
	}
}

func TestStopAppLooksUpRunningSession(t *testing.T) {
	device, session := newTestSession(t)
	stopped := make(chan error, 1)
	go func() { stopped <- session.StopApp() }()

	device.expect(ReceiverNamespace, "GET_STATUS")
	device.send(ReceiverId, SenderId, ReceiverNamespace, receiverStatusWith(1, spotifyApp()))
	_, stop := device.expect(ReceiverNamespace, "STOP")
	assert.Equal(t, "session-1", stop["sessionId"])
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "stop did not return")
	}
}

func TestStopAppWithNothingRunning(t *testing.T) {
	device, session := newTestSession(t)
	stopped := make(chan error, 1)
	go func() { stopped <- session.StopApp() }()

	device.expect(ReceiverNamespace, "GET_STATUS")
	device.send(ReceiverId, SenderId, ReceiverNamespace, receiverStatusWith(1))
	select {
	case err := <-stopped:
		assert.ErrorIs(t, err, ErrNoSession)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "stop did not return")
	}
}
