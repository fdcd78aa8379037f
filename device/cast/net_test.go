package cast

import (
	"encoding/json"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"net"
	"testing"
	"time"
)

// fakeCastDevice is the device end of a net.Pipe. It records everything the sender writes.
type fakeCastDevice struct {
	t        *testing.T
	conn     net.Conn
	received chan *Message
}

func startFakeCastDevice(t *testing.T) (*fakeCastDevice, net.Conn) {
	server, client := net.Pipe()
	device := &fakeCastDevice{t: t, conn: server, received: make(chan *Message, 64)}
	go func() {
		defer close(device.received)
		for {
			frame, err := readFrame(server)
			if err != nil {
				return
			}
			message, err := UnmarshalMessage(frame)
			if !assert.NoError(t, err) {
				return
			}
			device.received <- message
		}
	}()
	t.Cleanup(func() { _ = server.Close() })
	return device, client
}

func (d *fakeCastDevice) send(source, destination, namespace string, payload any) {
	encoded, err := json.Marshal(payload)
	require.NoError(d.t, err)
	message := &Message{SourceId: source, DestinationId: destination, Namespace: namespace, PayloadUtf8: string(encoded)}
	require.NoError(d.t, writeFrame(d.conn, message.Marshal()))
}

// expect waits for the next message on namespace with the given type, skipping anything else.
func (d *fakeCastDevice) expect(namespace, messageType string) (*Message, map[string]any) {
	timeout := time.After(2 * time.Second)
	for {
		select {
		case message, open := <-d.received:
			require.True(d.t, open, "connection closed while waiting for %s %s", namespace, messageType)
			if message.Namespace != namespace {
				continue
			}
			var payload map[string]any
			require.NoError(d.t, json.Unmarshal([]byte(message.PayloadUtf8), &payload))
			if payload["type"] == messageType {
				return message, payload
			}
		case <-timeout:
			require.FailNow(d.t, "timed out waiting for "+namespace+" "+messageType)
		}
	}
}

func TestNewConnectionConnectsToReceiver(t *testing.T) {
	device, client := startFakeCastDevice(t)
	conn := NewConnection(client, time.Hour, zaptest.NewLogger(t))
	defer conn.Close()

	message, _ := device.expect(ConnectionNamespace, "CONNECT")
	assert.Equal(t, SenderId, message.SourceId)
	assert.Equal(t, ReceiverId, message.DestinationId)
}

func TestHeartbeat(t *testing.T) {
	device, client := startFakeCastDevice(t)
	conn := NewConnection(client, 10*time.Millisecond, zap.NewNop())
	defer conn.Close()

	message, _ := device.expect(HeartbeatNamespace, "PING")
	assert.Equal(t, ReceiverId, message.DestinationId)

	device.send("receiver-0", "sender-0", HeartbeatNamespace, map[string]string{"type": "PING"})
	pong, _ := device.expect(HeartbeatNamespace, "PONG")
	assert.Equal(t, "receiver-0", pong.DestinationId)
}

func TestMessagesAreDispatchedByNamespace(t *testing.T) {
	device, client := startFakeCastDevice(t)
	conn := NewConnection(client, time.Hour, zaptest.NewLogger(t))
	defer conn.Close()

	received := make(chan *Message, 4)
	conn.Handle("urn:x-cast:test", func(message *Message) { received <- message })
	device.send("web-1", "sender-0", "urn:x-cast:other", map[string]string{"type": "IGNORED"})
	device.send("web-1", "sender-0", "urn:x-cast:test", map[string]string{"type": "HELLO"})

	select {
	case message := <-received:
		assert.Equal(t, "web-1", message.SourceId)
		assert.JSONEq(t, `{"type":"HELLO"}`, message.PayloadUtf8)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "message was not dispatched")
	}
}

func TestConnectOnlyOncePerDestination(t *testing.T) {
	device, client := startFakeCastDevice(t)
	conn := NewConnection(client, time.Hour, zaptest.NewLogger(t))
	defer conn.Close()
	device.expect(ConnectionNamespace, "CONNECT")

	require.NoError(t, conn.Connect("web-5"))
	require.NoError(t, conn.Connect("web-5"))
	require.NoError(t, conn.Send(SenderId, "web-5", "urn:x-cast:test", map[string]string{"type": "MARKER"}))

	first, _ := device.expect(ConnectionNamespace, "CONNECT")
	assert.Equal(t, "web-5", first.DestinationId)
	marker, _ := device.expect("urn:x-cast:test", "MARKER")
	assert.Equal(t, "web-5", marker.DestinationId)
}

func TestCloseSendsCloseAndEndsConnection(t *testing.T) {
	device, client := startFakeCastDevice(t)
	conn := NewConnection(client, time.Hour, zaptest.NewLogger(t))
	device.expect(ConnectionNamespace, "CONNECT")

	require.NoError(t, conn.Close())
	message, _ := device.expect(ConnectionNamespace, "CLOSE")
	assert.Equal(t, ReceiverId, message.DestinationId)
	<-conn.Done()
	assert.True(t, errors.Is(conn.Err(), ErrConnectionClosed))
	assert.Error(t, conn.Send(SenderId, ReceiverId, ReceiverNamespace, map[string]string{"type": "GET_STATUS"}))
}

func TestDeviceHangingUpClosesConnection(t *testing.T) {
	device, client := startFakeCastDevice(t)
	conn := NewConnection(client, time.Hour, zaptest.NewLogger(t))
	device.expect(ConnectionNamespace, "CONNECT")

	require.NoError(t, device.conn.Close())
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		require.FailNow(t, "connection did not notice the device hanging up")
	}
	assert.True(t, errors.Is(conn.Err(), ErrConnectionClosed))
}
