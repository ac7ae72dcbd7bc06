package reposvc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sethvargo/go-retry"

	"github.com/shulehub/shule/core"
	"github.com/shulehub/shule/core/entity"
	syncq "github.com/shulehub/shule/core/sync"
)

// httpRemote is the hosted entity repository. Push is single-shot: the sync
// engine owns retry scheduling, so only the failure classification happens
// here. A 4xx answer is a deliberate rejection and comes back wrapping
// ErrPermanent; anything else is transient.
type httpRemote struct {
	client  *http.Client
	baseURL string
	apiKey  string
	logger  core.Logger
}

var _ syncq.Remote = (*httpRemote)(nil)

func NewHTTPRemote(conf *core.Config, logger core.Logger) syncq.Remote {
	return &httpRemote{
		client:  &http.Client{Timeout: conf.Remote.Timeout},
		baseURL: conf.Remote.RepositoryURL,
		apiKey:  conf.Remote.APIKey,
		logger:  logger,
	}
}

type pushRequest struct {
	Kind        entity.Kind     `json:"kind"`
	Code        string          `json:"code"`
	InstituteID string          `json:"institute_id"`
	Op          string          `json:"op"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

func (r *httpRemote) Push(ctx context.Context, e syncq.Entry) error {
	body, err := json.Marshal(pushRequest{
		Kind:        e.Kind,
		Code:        e.Code,
		InstituteID: e.InstituteID,
		Op:          e.Op,
		Payload:     e.Payload,
		EnqueuedAt:  e.EnqueuedAt,
	})
	if err != nil {
		return errors.Wrap(err, "encoding push request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/records", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)

	res, err := r.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "pushing record")
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode < http.StatusMultipleChoices:
		return nil
	case res.StatusCode < http.StatusInternalServerError:
		return errors.Wrapf(syncq.ErrPermanent, "repository rejected %s %s: %s", e.Kind, e.Code, readError(res.Body))
	default:
		return errors.Errorf("repository answered %d for %s %s", res.StatusCode, e.Kind, e.Code)
	}
}

func (r *httpRemote) PullSince(ctx context.Context, kind entity.Kind, since time.Time) ([]syncq.Change, error) {
	q := url.Values{}
	q.Set("kind", string(kind))
	if !since.IsZero() {
		q.Set("since", strconv.FormatInt(since.UTC().UnixMilli(), 10))
	}

	var changes []syncq.Change
	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(200*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/records?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+r.apiKey)

		res, err := r.client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer res.Body.Close()

		if res.StatusCode >= http.StatusInternalServerError {
			return retry.RetryableError(errors.Errorf("repository answered %d", res.StatusCode))
		}
		if res.StatusCode != http.StatusOK {
			return errors.Errorf("repository answered %d pulling %s", res.StatusCode, kind)
		}
		changes = changes[:0]
		return json.NewDecoder(res.Body).Decode(&changes)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "pulling %s changes", kind)
	}
	return changes, nil
}

// readError extracts the short error text the repository puts in rejection
// bodies; bodies that are not JSON come back verbatim, truncated.
func readError(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 1<<10))
	if err != nil || len(raw) == 0 {
		return "no detail"
	}
	var msg struct {
		Error string `json:"error"`
	}
	if err = json.Unmarshal(raw, &msg); err == nil && msg.Error != "" {
		return msg.Error
	}
	return string(raw)
}
