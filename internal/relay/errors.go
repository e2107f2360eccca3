package relay

import (
	"errors"
	"net/http"
)

// Error kinds surfaced by the core relay. Public Ingress maps each to a
// status code; the Agent Runtime never sees these directly.
var (
	ErrNotFound       = errors.New("tunnel not found")
	ErrAlreadyExists  = errors.New("tunnel id already exists")
	ErrNotConnected   = errors.New("tunnel has no attached agent")
	ErrTimeout        = errors.New("no reply within the request deadline")
	ErrChannelDropped = errors.New("control channel closed mid-request")
	ErrTunnelGone     = errors.New("tunnel deleted mid-request")
	ErrSendFailed     = errors.New("frame could not be written to the control channel")
	ErrBadRequest     = errors.New("malformed request")
)

// statusFor maps a core error kind to the HTTP status the public caller
// should see, per the error-kind table.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrChannelDropped), errors.Is(err, ErrTunnelGone), errors.Is(err, ErrSendFailed):
		return http.StatusBadGateway
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
