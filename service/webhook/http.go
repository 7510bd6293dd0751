package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/service/config"
)

const (
	postTimeout   = 10 * time.Second
	retryCount    = 2
	retryWaitTime = 500 * time.Millisecond
)

type httpService struct {
	CfgSvc config.IService
	client *resty.Client
	url    string
}

// NewHTTP posts alerts as JSON. Unlike detector requests, alert posts are
// retried: they happen off the frame loop.
func NewHTTP(cfgsvc config.IService) IService {
	var transport http.RoundTripper = http.DefaultTransport
	if cfgsvc.IsTracingEnabled() {
		transport = otelhttp.NewTransport(transport)
	}

	client := resty.NewWithClient(&http.Client{
		Transport: transport,
		Timeout:   postTimeout,
	}).
		SetRetryCount(retryCount).
		SetRetryWaitTime(retryWaitTime).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &httpService{
		CfgSvc: cfgsvc,
		client: client,
		url:    cfgsvc.GetWebhookURL(),
	}
}

func (svc *httpService) Post(ctx context.Context, payload model.AlertPayload) error {
	resp, err := svc.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(svc.url)
	if err != nil {
		return fmt.Errorf("posting alert: %w", err)
	}

	if resp.IsError() {
		return fmt.Errorf("webhook replied %d: %s", resp.StatusCode(), resp.String())
	}

	return nil
}
