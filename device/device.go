package device

import (
	"context"
	"go.uber.org/zap"
	"spotcast/device/cast"
	"spotcast/device/spotify"
	"spotcast/types"
	"time"
)

// Session is an open channel to the Spotify receiver on one cast device.
type Session interface {
	spotify.Channel
	Close() error
}

type castSession struct {
	*cast.AppSession
	conn *cast.Connection
}

func (s *castSession) Close() error {
	return s.conn.Close()
}

// Open connects to device, locating it by mDNS first if it has no address configured. device is
// updated with the address found.
func Open(ctx context.Context, device *types.DeviceConfig, discoveryTimeout, connectTimeout time.Duration, logger *zap.Logger) (Session, error) {
	if device.Model == types.UnknownCastDevice {
		logger.Warn("Casting to a device of unknown model", zap.String("device", device.FullName()))
	}
	if err := cast.Resolve(ctx, device, discoveryTimeout, logger); err != nil {
		return nil, err
	}
	port := device.Port
	if port == 0 {
		port = types.DefaultCastPort
	}
	conn, err := cast.Dial(ctx, device.Ip, port, connectTimeout, logger)
	if err != nil {
		return nil, err
	}
	return &castSession{
		AppSession: cast.NewAppSession(conn, spotify.AppId, logger.With(zap.String("device", device.FullName()))),
		conn:       conn,
	}, nil
}
