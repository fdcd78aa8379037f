package spotify

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrCredentials is returned by LaunchApp when the receiver rejected the injected credentials.
var ErrCredentials = errors.New("spotify receiver rejected the supplied credentials")

type InvalidKeyError struct {
	Reason string
}

func (e *InvalidKeyError) Error() string {
	return "invalid remote public key: " + e.Reason
}

// AppLaunchError means the receiver app did not reach the launched state, either because the
// device-auth refresh call failed or because the attempt budget ran out.
type AppLaunchError struct {
	StatusCode int
	Reason     string
	Timeout    bool
	Attempts   int
	Err        error
}

func (e *AppLaunchError) Error() string {
	switch {
	case e.Timeout:
		return "timed out waiting for spotify app to launch after " + strconv.Itoa(e.Attempts) + " attempts"
	case e.StatusCode != 0:
		return fmt.Sprintf("could not launch spotify app: device auth refresh returned %d %s", e.StatusCode, e.Reason)
	case e.Err != nil:
		return "could not launch spotify app: " + e.Err.Error()
	default:
		return "could not launch spotify app: " + e.Reason
	}
}

func (e *AppLaunchError) Unwrap() error {
	return e.Err
}

type UnknownMessageError struct {
	Type string
}

func (e *UnknownMessageError) Error() string {
	return "unknown spotify receiver message type '" + e.Type + "'"
}
