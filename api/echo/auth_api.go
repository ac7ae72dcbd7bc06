package echoapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/auth"
	"github.com/shulehub/shule/core/otp"
)

type authApi struct {
	conf    *core.Config
	gateway *auth.Gateway
}

func registerAuthAPI(g *echo.Group, jwt echo.MiddlewareFunc, conf *core.Config, gateway *auth.Gateway) {
	api := authApi{conf: conf, gateway: gateway}

	ag := g.Group("/auth")

	// un-authed endpoints
	ag.POST("/login/institute", api.loginInstitute)
	ag.POST("/login/student", api.loginStudent)
	ag.POST("/signup", api.signupInstitute)
	ag.POST("/otp/request", api.requestOTP)
	ag.POST("/otp/confirm", api.confirmOTP)
	ag.GET("/blocked", api.blockedInfo)
	ag.POST("/refresh-status", api.refreshStatus)

	// authed endpoints
	sg := ag.Group("", jwt)
	sg.GET("/session", api.session)
	sg.POST("/logout", api.logout)
}

// Handlers

func (api *authApi) loginInstitute(ctx echo.Context) error {
	var data InstituteLoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to InstituteLoginRequest")
	}
	if err := data.Validate(); err != nil {
		return err
	}

	sess, err := api.gateway.LoginInstitute(ctx.Request().Context(), data.Email, data.Password)
	if err != nil {
		return err
	}
	return api.sessionResponse(ctx, sess)
}

func (api *authApi) loginStudent(ctx echo.Context) error {
	var data StudentLoginRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to StudentLoginRequest")
	}
	if err := data.Validate(); err != nil {
		return err
	}

	sess, err := api.gateway.LoginStudent(ctx.Request().Context(), data.StudentID, data.Password)
	if err != nil {
		return err
	}
	return api.sessionResponse(ctx, sess)
}

func (api *authApi) signupInstitute(ctx echo.Context) error {
	var data auth.InstituteSignup
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to InstituteSignup")
	}

	pending, err := api.gateway.SignupInstitute(ctx.Request().Context(), data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusAccepted, pending)
}

func (api *authApi) requestOTP(ctx echo.Context) error {
	var data OTPRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to OTPRequest")
	}
	if err := data.Validate(); err != nil {
		return err
	}

	h, err := api.gateway.RequestPhoneOTP(data.Phone, otp.Verifier{
		Token:     data.VerifierToken,
		ExpiresAt: data.VerifierExpiresAt,
	})
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, OTPChallengeResponse{
		Handle:   h,
		ResendIn: int(h.ResendIn(time.Now().UTC()).Seconds()),
	})
}

func (api *authApi) confirmOTP(ctx echo.Context) error {
	var data OTPConfirmRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to OTPConfirmRequest")
	}
	if err := data.Validate(); err != nil {
		return err
	}

	id, err := uuid.Parse(data.ChallengeID)
	if err != nil {
		return core.NewValidationError(nil, core.FieldError{Field: "challenge_id", Error: "invalid challenge reference"})
	}

	sess, err := api.gateway.ConfirmPhoneOTP(otp.Handle{ID: id, Phone: data.Phone}, data.Code)
	if err != nil {
		return err
	}
	return api.sessionResponse(ctx, sess)
}

func (api *authApi) session(ctx echo.Context) error {
	sess, ok := api.gateway.Current()
	if !ok {
		return errUnauthorized
	}
	return ctx.JSON(http.StatusOK, sess)
}

func (api *authApi) blockedInfo(ctx echo.Context) error {
	info := api.gateway.CurrentBlockedInfo()
	if info == nil {
		return ctx.NoContent(http.StatusNoContent)
	}
	return ctx.JSON(http.StatusOK, info)
}

func (api *authApi) refreshStatus(ctx echo.Context) error {
	if err := api.gateway.RefreshAccountStatus(ctx.Request().Context()); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *authApi) logout(ctx echo.Context) error {
	api.gateway.Logout()
	return ctx.NoContent(http.StatusNoContent)
}

func (api *authApi) sessionResponse(ctx echo.Context, sess auth.Session) error {
	token, err := GenerateToken(api.conf, sessionClaims(api.conf, sess))
	if err != nil {
		return errors.Wrap(err, "generating token")
	}
	return ctx.JSON(http.StatusOK, LoginResponse{Token: token, Session: sess})
}
