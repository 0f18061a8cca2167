package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Request describes one outbound call. Retries apply to transport errors and
// 5xx responses only, so leave Retries at zero for calls that are not safe to repeat.
type Request struct {
	Method      string
	URL         string
	Body        []byte
	ContentType string
	Headers     map[string]string
	Username    string
	Password    string
	Retries     int
	RetryDelay  time.Duration
}

type Response struct {
	StatusCode int
	Body       []byte
}

// Do performs req, retrying transient failures. A non-2xx status is not an
// error; once retries run out the last 5xx response is returned as is.
func Do(ctx context.Context, client *http.Client, req Request) (Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	rc := &retryablehttp.Client{
		HTTPClient:   client,
		RetryMax:     max(req.Retries, 0),
		RetryWaitMin: req.RetryDelay,
		RetryWaitMax: req.RetryDelay,
		CheckRetry:   retryTransient,
		Backoff:      constantBackoff,
		ErrorHandler: lastResponse,
	}
	var body any
	if len(req.Body) > 0 {
		body = req.Body
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{}, err
	}
	if len(req.Body) > 0 {
		ct := req.ContentType
		if ct == "" {
			ct = "application/json"
		}
		httpReq.Header.Set("Content-Type", ct)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Username != "" || req.Password != "" {
		httpReq.SetBasicAuth(req.Username, req.Password)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := rc.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, err
	}
	return Response{StatusCode: resp.StatusCode, Body: raw}, nil
}

// retryTransient retries transport failures the default policy considers
// recoverable and any 5xx. 429 is left to the caller.
func retryTransient(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return resp.StatusCode >= http.StatusInternalServerError, nil
}

func constantBackoff(wait, _ time.Duration, _ int, _ *http.Response) time.Duration {
	return wait
}

func lastResponse(resp *http.Response, err error, _ int) (*http.Response, error) {
	if resp == nil {
		return nil, err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp, nil
}
