package echoapi

import (
	"time"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/auth"
	"github.com/shulehub/shule/core/otp"
)

type (
	InstituteLoginRequest struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	StudentLoginRequest struct {
		StudentID string `json:"student_id" validate:"required"`
		Password  string `json:"password" validate:"required"`
	}

	OTPRequest struct {
		Phone             string    `json:"phone" validate:"required"`
		VerifierToken     string    `json:"verifier_token" validate:"required"`
		VerifierExpiresAt time.Time `json:"verifier_expires_at"`
	}

	OTPConfirmRequest struct {
		ChallengeID string `json:"challenge_id" validate:"required"`
		Phone       string `json:"phone" validate:"required"`
		Code        string `json:"code" validate:"required,len=6"`
	}

	LoginResponse struct {
		Token   string       `json:"token"`
		Session auth.Session `json:"session"`
	}

	OTPChallengeResponse struct {
		Handle   otp.Handle `json:"challenge"`
		ResendIn int        `json:"resend_in"` // seconds
	}

	UpdateRequest struct {
		Patch map[string]interface{} `json:"patch" validate:"required"`
	}
)

func (r *InstituteLoginRequest) Validate() error {
	r.Email = core.CleanString(r.Email, true /* lower */)
	return core.Validate.Struct(r)
}

func (r *StudentLoginRequest) Validate() error {
	r.StudentID = core.CleanString(r.StudentID)
	return core.Validate.Struct(r)
}

func (r *OTPRequest) Validate() error {
	r.Phone = core.CleanPhone(r.Phone)
	return core.Validate.Struct(r)
}

func (r *OTPConfirmRequest) Validate() error {
	r.Phone = core.CleanPhone(r.Phone)
	r.Code = core.CleanString(r.Code)
	return core.Validate.Struct(r)
}

func (r *UpdateRequest) Validate() error {
	return core.Validate.Struct(r)
}
