package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/service/config"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
)

const imageField = "image"

type httpService struct {
	CfgSvc config.IService
	client *resty.Client
	params config.ChannelParameters
}

// NewHTTP posts frames as multipart uploads to the detector service.
// Requests are never retried: a retry would desync the sampling clock.
func NewHTTP(cfgsvc config.IService) IService {
	params := cfgsvc.GetChannelParameters()

	var transport http.RoundTripper = http.DefaultTransport
	if cfgsvc.IsTracingEnabled() {
		transport = otelhttp.NewTransport(transport,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}

	client := resty.NewWithClient(&http.Client{
		Transport: transport,
		Timeout:   params.Timeout,
	})

	return &httpService{
		CfgSvc: cfgsvc,
		client: client,
		params: params,
	}
}

func (svc *httpService) Send(ctx context.Context, payload []byte, metadata map[string]string, authToken string) (model.DetectionResult, error) {
	if authToken == "" {
		authToken = svc.params.AuthToken
	}

	fileName := "frame.jpg"
	if id := metadata["cameraId"]; id != "" {
		fileName = id + ".jpg"
	}

	req := svc.client.R().
		SetContext(ctx).
		SetFileReader(imageField, fileName, bytes.NewReader(payload)).
		SetFormData(metadata)

	if authToken != "" {
		req.SetAuthToken(authToken).
			SetHeader("x-worker-secret", authToken)
	}

	resp, err := req.Post(svc.params.DetectorURL)
	if err != nil {
		if isTimeout(err) {
			return model.DetectionResult{}, ErrTimeout
		}
		return model.DetectionResult{}, &NetworkError{Err: err}
	}

	var result model.DetectionResult
	decodeErr := json.Unmarshal(resp.Body(), &result)

	if resp.IsSuccess() {
		if decodeErr != nil {
			return model.DetectionResult{}, &HTTPStatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
		}
		return result, nil
	}

	// a 4xx carrying a result is a classification outcome, e.g. a frame the
	// detector could not decode
	if resp.StatusCode() < http.StatusInternalServerError && decodeErr == nil && result.Error != "" {
		lgr.Logger.Debug("detector rejected frame",
			slog.Int("status", resp.StatusCode()),
			slog.String("error", result.Error),
		)
		return result, nil
	}

	return model.DetectionResult{}, &HTTPStatusError{StatusCode: resp.StatusCode(), Body: resp.String()}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
