package cast

import (
	"encoding/json"
	"errors"
	"fmt"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
	"sync"
	"sync/atomic"
	"time"
)

const statusTimeout = 5 * time.Second

var ErrNoSession = errors.New("no application session running on the cast device")

type receiverRequest struct {
	Type      string `json:"type"`
	RequestId int64  `json:"requestId"`
	AppId     string `json:"appId,omitempty"`
	SessionId string `json:"sessionId,omitempty"`
}

type receiverStatus struct {
	Applications []application `mapstructure:"applications"`
}

type application struct {
	AppId       string `mapstructure:"appId"`
	DisplayName string `mapstructure:"displayName"`
	SessionId   string `mapstructure:"sessionId"`
	TransportId string `mapstructure:"transportId"`
}

type receiverResponse struct {
	Type      string         `mapstructure:"type"`
	RequestId int64          `mapstructure:"requestId"`
	Reason    string         `mapstructure:"reason"`
	Status    receiverStatus `mapstructure:"status"`
}

// AppSession runs one receiver application on a cast device and carries its app namespace
// traffic.
type AppSession struct {
	conn      *Connection
	logger    *zap.Logger
	requestId atomic.Int64

	mu          sync.Mutex
	appId       string
	sessionId   string
	transportId string
	onLaunched  func(err error)
	statusSeen  chan struct{}
	statusOnce  sync.Once
}

// NewAppSession tracks appId on conn. LaunchApp may later switch it to another app.
func NewAppSession(conn *Connection, appId string, logger *zap.Logger) *AppSession {
	s := &AppSession{conn: conn, appId: appId, logger: logger, statusSeen: make(chan struct{})}
	conn.Handle(ReceiverNamespace, s.handleReceiverMessage)
	return s
}

func (s *AppSession) sendReceiverRequest(request receiverRequest) error {
	request.RequestId = s.requestId.Add(1)
	return s.conn.Send(SenderId, ReceiverId, ReceiverNamespace, request)
}

func (s *AppSession) LaunchApp(appId string, onLaunched func(err error)) error {
	s.mu.Lock()
	s.appId = appId
	s.onLaunched = onLaunched
	s.mu.Unlock()
	if err := s.sendReceiverRequest(receiverRequest{Type: "LAUNCH", AppId: appId}); err != nil {
		return fmt.Errorf("could not request launch of %s: %w", appId, err)
	}
	return nil
}

// StopApp stops the running app, asking the device for its status first if this session did not
// launch it.
func (s *AppSession) StopApp() error {
	sessionId, err := s.currentSessionId()
	if err != nil {
		return err
	}
	if err := s.sendReceiverRequest(receiverRequest{Type: "STOP", SessionId: sessionId}); err != nil {
		return fmt.Errorf("could not stop cast session %s: %w", sessionId, err)
	}
	s.mu.Lock()
	s.sessionId = ""
	s.transportId = ""
	s.mu.Unlock()
	return nil
}

func (s *AppSession) currentSessionId() (string, error) {
	s.mu.Lock()
	sessionId := s.sessionId
	s.mu.Unlock()
	if sessionId != "" {
		return sessionId, nil
	}
	if err := s.RequestStatus(); err != nil {
		return "", err
	}
	select {
	case <-s.statusSeen:
	case <-s.conn.Done():
		return "", s.conn.Err()
	case <-time.After(statusTimeout):
		return "", errors.New("timed out waiting for cast receiver status")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionId == "" {
		return "", ErrNoSession
	}
	return s.sessionId, nil
}

func (s *AppSession) RequestStatus() error {
	return s.sendReceiverRequest(receiverRequest{Type: "GET_STATUS"})
}

// SendMessage sends payload to the running app.
func (s *AppSession) SendMessage(namespace string, payload any) error {
	s.mu.Lock()
	transportId := s.transportId
	s.mu.Unlock()
	if transportId == "" {
		return ErrNoSession
	}
	return s.conn.Send(SenderId, transportId, namespace, payload)
}

// Subscribe delivers the payload of every message on namespace to handler.
func (s *AppSession) Subscribe(namespace string, handler func(payload []byte) error) {
	s.conn.Handle(namespace, func(message *Message) {
		if err := handler([]byte(message.PayloadUtf8)); err != nil {
			s.logger.Warn("Cast app message handler failed", zap.String("namespace", namespace), zap.Error(err))
		}
	})
}

func (s *AppSession) handleReceiverMessage(message *Message) {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(message.PayloadUtf8), &decoded); err != nil {
		s.logger.Warn("Could not unmarshal cast receiver message", zap.Error(err))
		return
	}
	var response receiverResponse
	if err := mapstructure.Decode(decoded, &response); err != nil {
		s.logger.Warn("Could not decode cast receiver message", zap.Error(err))
		return
	}
	switch response.Type {
	case "RECEIVER_STATUS":
		s.handleStatus(response.Status)
	case "LAUNCH_ERROR":
		s.mu.Lock()
		onLaunched := s.onLaunched
		s.onLaunched = nil
		s.mu.Unlock()
		s.logger.Warn("Cast receiver refused to launch app", zap.String("reason", response.Reason))
		if onLaunched != nil {
			onLaunched(errors.New("cast receiver refused to launch app: " + response.Reason))
		}
	default:
		s.logger.Debug("Ignoring cast receiver message", zap.String("type", response.Type))
	}
}

func (s *AppSession) handleStatus(status receiverStatus) {
	s.mu.Lock()
	var running *application
	for i := range status.Applications {
		if status.Applications[i].AppId == s.appId {
			running = &status.Applications[i]
			break
		}
	}
	var onLaunched func(err error)
	newTransport := ""
	if running == nil {
		s.sessionId = ""
		s.transportId = ""
	} else if running.TransportId != "" {
		if running.TransportId != s.transportId {
			newTransport = running.TransportId
		}
		s.sessionId = running.SessionId
		s.transportId = running.TransportId
		onLaunched = s.onLaunched
		s.onLaunched = nil
	}
	s.mu.Unlock()
	s.statusOnce.Do(func() { close(s.statusSeen) })

	if newTransport != "" {
		if err := s.conn.Connect(newTransport); err != nil {
			s.logger.Warn("Could not connect to cast app transport", zap.String("transport_id", newTransport), zap.Error(err))
			if onLaunched != nil {
				onLaunched(err)
			}
			return
		}
	}
	if onLaunched != nil {
		s.logger.Info("Cast app running", zap.String("app_id", running.AppId), zap.String("session_id", running.SessionId))
		onLaunched(nil)
	}
}
