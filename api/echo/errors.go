package echoapi

import (
	stderrors "errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/auth"
	"github.com/shulehub/shule/core/entity"
)

var (
	errUnauthorized  = echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	errHttpForbidden = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errHttpNotFound  = echo.NewHTTPError(http.StatusNotFound, "not found")
)

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var code int
		var message interface{}

		switch origErr := errors.Cause(err).(type) {
		case *echo.HTTPError:
			if origErr == middleware.ErrJWTMissing {
				code = http.StatusUnauthorized
				message = origErr.Message
				break
			}
			if origErr.Internal != nil {
				if herr, ok := origErr.Internal.(*echo.HTTPError); ok {
					origErr = herr
				}
			}
			code = origErr.Code
			message = origErr.Message
		case validator.ValidationErrors:
			fldErrs := make(map[string]string, len(origErr))
			for _, vErr := range origErr {
				fldErrs[vErr.Field()] = vErr.Translate(core.Translator)
			}
			code = http.StatusBadRequest
			message = fldErrs
		case *core.ValidationError:
			if flds := origErr.FieldMap(); flds != nil {
				message = flds
			} else {
				message = origErr.Error()
			}
			code = http.StatusBadRequest
		case *auth.BlockedError:
			code = http.StatusForbidden
			message = echo.Map{
				"error":   origErr.Error(),
				"blocked": origErr.Info,
			}
		default:
			code, message = authErrorStatus(err)
			if code != http.StatusInternalServerError {
				break
			}

			msg := http.StatusText(http.StatusInternalServerError)
			message = msg
			logger.Error(msg, errors.Wrap(err, msg))

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}

		if ctx.Echo().Debug {
			message = err.Error()
		} else if m, ok := message.(string); ok {
			message = echo.Map{"error": m}
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, message)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}

// authErrorStatus maps gateway and store sentinels to their HTTP status.
// Anything unknown is a server error.
func authErrorStatus(err error) (int, interface{}) {
	switch {
	case stderrors.Is(err, auth.ErrInvalidCredentials),
		stderrors.Is(err, auth.ErrInvalidPhone),
		stderrors.Is(err, auth.ErrUnregisteredPhone),
		stderrors.Is(err, auth.ErrCodeMismatch),
		stderrors.Is(err, auth.ErrChallengeExpired),
		stderrors.Is(err, auth.ErrChallengeExhausted),
		stderrors.Is(err, auth.ErrVerificationUnavailable):
		return http.StatusBadRequest, err.Error()
	case stderrors.Is(err, auth.ErrPendingApproval):
		return http.StatusForbidden, err.Error()
	case stderrors.Is(err, auth.ErrDirectoryUnavailable):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Cause(err) == entity.ErrNotFound:
		return http.StatusNotFound, errHttpNotFound.Message
	case errors.Cause(err) == entity.ErrInvalidKind:
		return http.StatusNotFound, errHttpNotFound.Message
	}
	return http.StatusInternalServerError, nil
}
