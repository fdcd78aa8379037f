package hub

import (
	"encoding/json"
	"errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"net/http"
	"spotcast/device/spotify"
)

type stopRequest struct {
	Device string `json:"device"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServeMux exposes the hub to automations: POST /play, POST /stop, GET /metrics and
// GET /healthz.
func NewServeMux(h *Hub, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(writer http.ResponseWriter, _ *http.Request) {
		writeJson(writer, http.StatusOK, map[string]int{"devices": len(h.Devices())})
	})
	mux.HandleFunc("POST /play", func(writer http.ResponseWriter, request *http.Request) {
		var playRequest PlayRequest
		if err := json.NewDecoder(request.Body).Decode(&playRequest); err != nil {
			writeJson(writer, http.StatusBadRequest, errorResponse{Error: "could not parse request: " + err.Error()})
			return
		}
		if err := h.Play(request.Context(), playRequest); err != nil {
			h.logger.Warn("Play request failed", zap.String("device", playRequest.Device), zap.Error(err))
			writeJson(writer, statusFor(err), errorResponse{Error: err.Error()})
			return
		}
		writer.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /stop", func(writer http.ResponseWriter, request *http.Request) {
		var body stopRequest
		if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
			writeJson(writer, http.StatusBadRequest, errorResponse{Error: "could not parse request: " + err.Error()})
			return
		}
		if err := h.Stop(request.Context(), body.Device); err != nil {
			h.logger.Warn("Stop request failed", zap.String("device", body.Device), zap.Error(err))
			writeJson(writer, statusFor(err), errorResponse{Error: err.Error()})
			return
		}
		writer.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func statusFor(err error) int {
	var launchErr *spotify.AppLaunchError
	switch {
	case errors.Is(err, ErrUnknownAccount), errors.Is(err, ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, spotify.ErrCredentials):
		return http.StatusUnauthorized
	case errors.As(err, &launchErr) && launchErr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJson(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}
