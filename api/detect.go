package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/khaledhikmat/vs-firewatch/model"
	"github.com/khaledhikmat/vs-firewatch/service/dispatcher"
	"github.com/khaledhikmat/vs-firewatch/service/lgr"
)

func (h *handler) detect(c *gin.Context) {
	start := time.Now()
	status, body := h.classify(c)
	h.metrics.ObserveDetect(status, time.Since(start))
	c.JSON(status, body)
}

func (h *handler) classify(c *gin.Context) (int, any) {
	if c.Request.ContentLength > h.params.MaxUploadBytes {
		return http.StatusRequestEntityTooLarge, gin.H{"error": "Image too large"}
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.params.MaxUploadBytes)

	fh, err := c.FormFile(imageField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, gin.H{"error": "Image too large"}
		}
		return http.StatusBadRequest, gin.H{"error": "No image provided"}
	}

	f, err := fh.Open()
	if err != nil {
		return http.StatusBadRequest, gin.H{"error": "Unable to read image"}
	}
	defer f.Close()

	payload, err := io.ReadAll(f)
	if err != nil {
		return http.StatusBadRequest, gin.H{"error": "Unable to read image"}
	}

	result, err := h.dispatcher.Submit(c.Request.Context(), payload)
	if err != nil {
		return statusFor(err), errorBody(err)
	}

	// decode failures still carry a well-formed result
	if result.Error != "" {
		return http.StatusBadRequest, result
	}

	return http.StatusOK, result
}

func statusFor(err error) int {
	var classifierErr *dispatcher.ClassifierError
	switch {
	case errors.Is(err, dispatcher.ErrOverloaded), errors.Is(err, dispatcher.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatcher.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &classifierErr):
		return http.StatusInternalServerError
	default:
		// the caller went away
		lgr.Logger.Debug("detect request ended early", slog.Any("error", err))
		return 499
	}
}

func errorBody(err error) model.DetectionResult {
	res := model.NoDetection()
	res.Error = err.Error()
	return res
}
