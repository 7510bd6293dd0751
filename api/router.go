package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/khaledhikmat/vs-firewatch/service/config"
	"github.com/khaledhikmat/vs-firewatch/service/dispatcher"
	"github.com/khaledhikmat/vs-firewatch/service/metrics"
)

const (
	imageField   = "image"
	secretHeader = "x-worker-secret"
)

type handler struct {
	params     config.ServerParameters
	dispatcher dispatcher.IService
	metrics    *metrics.Metrics
}

// NewRouter wires the detector endpoints. /healthz and /metrics are never
// behind the auth check.
func NewRouter(params config.ServerParameters, disp dispatcher.IService, m *metrics.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	h := &handler{
		params:     params,
		dispatcher: disp,
		metrics:    m,
	}

	r := gin.New()
	r.Use(RecoverMiddleware(), TraceMiddleware(), LogMiddleware("/healthz", "/metrics"))

	r.GET("/healthz", h.healthz)
	r.GET("/metrics", gin.WrapH(m.Handler()))
	r.POST("/detect", AuthMiddleware(params.AuthToken), h.detect)

	return r
}

func (h *handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"stats":  h.dispatcher.Stats(),
	})
}
