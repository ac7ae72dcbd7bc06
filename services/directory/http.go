package dirsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/auth"
)

// httpProvider talks to the hosted identity directory over HTTPS. Transport
// errors and 5xx answers are retried briefly; a 4xx answer is the directory's
// final word and is decoded as a DirectoryResult.
type httpProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	logger  core.Logger
}

var _ auth.IdentityProvider = (*httpProvider)(nil)

func NewHTTPProvider(conf *core.Config, logger core.Logger) auth.IdentityProvider {
	return &httpProvider{
		client:  &http.Client{Timeout: conf.Remote.Timeout},
		baseURL: conf.Remote.DirectoryURL,
		apiKey:  conf.Remote.APIKey,
		logger:  logger,
	}
}

func (p *httpProvider) VerifyEmailPassword(ctx context.Context, email, password string) (auth.DirectoryResult, error) {
	return p.verify(ctx, "/v1/verify/email", map[string]string{
		"email":    email,
		"password": password,
	})
}

func (p *httpProvider) VerifyStudentCredentials(ctx context.Context, studentID, password string) (auth.DirectoryResult, error) {
	return p.verify(ctx, "/v1/verify/student", map[string]string{
		"student_id": studentID,
		"password":   password,
	})
}

func (p *httpProvider) CreatePendingInstituteAccount(ctx context.Context, signup auth.InstituteSignup) error {
	_, err := p.post(ctx, "/v1/institutes", signup)
	return err
}

func (p *httpProvider) GetAccountStatus(ctx context.Context, actorID string) (auth.DirectoryResult, error) {
	return p.verify(ctx, "/v1/accounts/status", map[string]string{"actor_id": actorID})
}

func (p *httpProvider) verify(ctx context.Context, path string, payload interface{}) (auth.DirectoryResult, error) {
	body, err := p.post(ctx, path, payload)
	if err != nil {
		return auth.DirectoryResult{}, err
	}
	var res auth.DirectoryResult
	if err = json.Unmarshal(body, &res); err != nil {
		return auth.DirectoryResult{}, errors.Wrap(err, "decoding directory response")
	}
	return res, nil
}

// post sends the request with a short fibonacci retry over transient failures.
// The response body is returned for any status the directory answered with
// deliberately (2xx and 4xx); 5xx and transport errors surface as an error
// once retries run out, which the gateway reads as an unreachable directory.
func (p *httpProvider) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encoding directory request")
	}

	var resBody []byte
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(200*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(reqBody))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.apiKey)

		res, err := p.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer res.Body.Close()

		if res.StatusCode >= http.StatusInternalServerError {
			p.logger.Warn("identity directory returned a server error", map[string]interface{}{
				"path":   path,
				"status": res.StatusCode,
			})
			return retry.RetryableError(errors.Errorf("directory answered %d", res.StatusCode))
		}
		resBody, err = io.ReadAll(res.Body)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "calling identity directory")
	}
	return resBody, nil
}
