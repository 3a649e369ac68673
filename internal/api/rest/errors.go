package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenInstrumentCore/internal/acquisition"
	"github.com/KevinKickass/OpenInstrumentCore/internal/catalog"
	"github.com/KevinKickass/OpenInstrumentCore/internal/derived"
	"github.com/KevinKickass/OpenInstrumentCore/internal/instrument"
	"github.com/KevinKickass/OpenInstrumentCore/internal/scpi"
	"github.com/KevinKickass/OpenInstrumentCore/internal/types"
	"github.com/gin-gonic/gin"
)

// errorStatus maps domain errors to an HTTP status and an error code.
func errorStatus(err error) (int, string) {
	var transportErr *scpi.TransportError

	switch {
	case errors.Is(err, instrument.ErrUnknownInstrument),
		errors.Is(err, instrument.ErrUnknownSignal):
		return http.StatusNotFound, types.CodeNotFound
	case errors.Is(err, acquisition.ErrBusy),
		errors.Is(err, instrument.ErrReloadBusy):
		return http.StatusConflict, types.CodeBusy
	case errors.Is(err, acquisition.ErrTimeout):
		return http.StatusGatewayTimeout, types.CodeTimeout
	case errors.Is(err, acquisition.ErrCancelled):
		return http.StatusConflict, types.CodeCancelled
	case errors.Is(err, derived.ErrNoData),
		errors.Is(err, derived.ErrEmptyArray):
		return http.StatusConflict, types.CodeNoData
	case errors.Is(err, instrument.ErrNotWritable):
		return http.StatusMethodNotAllowed, types.CodeNotWritable
	case errors.Is(err, instrument.ErrNotBuffered):
		return http.StatusMethodNotAllowed, types.CodeNotBuffered
	case errors.Is(err, instrument.ErrSkipped):
		return http.StatusUnprocessableEntity, types.CodeSkipped
	case errors.Is(err, catalog.ErrMalformed),
		errors.Is(err, catalog.ErrDuplicateSignal):
		return http.StatusUnprocessableEntity, types.CodeCatalogInvalid
	case errors.As(err, &transportErr),
		errors.Is(err, scpi.ErrNotConnected):
		return http.StatusBadGateway, types.CodeTransport
	default:
		return http.StatusInternalServerError, types.CodeInternal
	}
}

func (s *Server) respondError(c *gin.Context, message string, err error) {
	status, code := errorStatus(err)
	c.JSON(status, types.NewErrorResponse(code, message, err.Error()))
}

func badRequest(c *gin.Context, message string, err error) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, message, err.Error()))
}
