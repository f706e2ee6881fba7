package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/anime-shed/service-tag-extractor/internal/config"
	apperrors "github.com/anime-shed/service-tag-extractor/internal/errors"
	"github.com/anime-shed/service-tag-extractor/internal/extraction"
	"github.com/anime-shed/service-tag-extractor/internal/logger"
	"github.com/anime-shed/service-tag-extractor/internal/observer"
	"github.com/anime-shed/service-tag-extractor/internal/service"
	"github.com/anime-shed/service-tag-extractor/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxAwait = 60 * time.Second

func NewHandler(svc service.ExtractionService, metrics *observer.MetricsObserver, cfg *config.Config) http.Handler {
	r := gin.New()

	// Add middleware
	r.Use(
		gin.Recovery(),
		requestLogger(),
		requestSizeLimiter(cfg.MaxRequestBodySize),
		errorHandler(),
	)

	// Configure routes
	r.GET("/health", healthCheck)
	r.GET("/metrics", metricsHandler(svc, metrics))

	sessions := r.Group("/sessions")
	{
		sessions.POST("", createSession(svc))
		sessions.GET("/:id", getSession(svc))
		sessions.GET("/:id/await", awaitSession(svc))
		sessions.POST("/:id/upload", uploadToSession(svc))
		sessions.POST("/:id/capture", captureToSession(svc))
		sessions.POST("/:id/reset", resetSession(svc))
		sessions.DELETE("/:id", deleteSession(svc))
	}

	r.POST("/extract", extractUpload(svc, cfg))
	r.POST("/extract/url", extractURL(svc, cfg))

	return r
}

func createSession(svc service.ExtractionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctrl := svc.CreateSession()
		c.JSON(http.StatusCreated, sessionResponse(ctrl))
	}
}

func getSession(svc service.ExtractionService) gin.HandlerFunc {
	return withSession(svc, func(c *gin.Context, ctrl *extraction.Controller) {
		c.JSON(http.StatusOK, sessionResponse(ctrl))
	})
}

// awaitSession long-polls until the current attempt settles or the timeout
// query parameter (default 30s) passes.
func awaitSession(svc service.ExtractionService) gin.HandlerFunc {
	return withSession(svc, func(c *gin.Context, ctrl *extraction.Controller) {
		wait := 30 * time.Second
		if raw := c.Query("timeout"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil || d <= 0 {
				respondError(c, apperrors.NewValidationError("timeout must be a positive duration", err))
				return
			}
			wait = min(d, maxAwait)
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
		defer cancel()

		// A deadline here is not a failure; the caller gets the in-flight state.
		state, _ := ctrl.Await(ctx)
		c.JSON(http.StatusOK, models.SessionResponse{ID: ctrl.ID(), State: models.NewStateResponse(state)})
	})
}

func uploadToSession(svc service.ExtractionService) gin.HandlerFunc {
	return withSession(svc, func(c *gin.Context, ctrl *extraction.Controller) {
		data, err := readUpload(c)
		if err != nil {
			respondError(c, err)
			return
		}

		ctrl.SupplyUploadedImage(data)
		respondSupplied(c, ctrl)
	})
}

func captureToSession(svc service.ExtractionService) gin.HandlerFunc {
	return withSession(svc, func(c *gin.Context, ctrl *extraction.Controller) {
		var req models.CaptureRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperrors.NewValidationError("invalid request format", err))
			return
		}

		// An empty frame is the camera's "nothing yet" signal, not a bad request.
		if req.Frame == "" {
			ctrl.SupplyCameraFrame(nil)
		} else {
			ctrl.SupplyCameraDataURL(req.Frame)
		}
		respondSupplied(c, ctrl)
	})
}

func resetSession(svc service.ExtractionService) gin.HandlerFunc {
	return withSession(svc, func(c *gin.Context, ctrl *extraction.Controller) {
		ctrl.Reset()
		c.JSON(http.StatusOK, sessionResponse(ctrl))
	})
}

func deleteSession(svc service.ExtractionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.CloseSession(c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func extractUpload(svc service.ExtractionService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		data, err := readUpload(c)
		if err != nil {
			respondError(c, err)
			return
		}

		result, err := svc.ExtractUpload(ctx, data, c.PostForm("expected_tag"))
		if err != nil {
			respondError(c, err)
			return
		}
		respondExtraction(c, result, startTime)
	}
}

func extractURL(svc service.ExtractionService, cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		ctx, cancel := context.WithTimeout(c.Request.Context(), cfg.RequestTimeout)
		defer cancel()

		var req models.ExtractURLRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apperrors.NewValidationError("invalid request format", err))
			return
		}

		logger.WithFields(logrus.Fields{
			"url": req.URL,
			"ip":  c.ClientIP(),
		}).Debug("Extracting from remote image")

		result, err := svc.ExtractFromURL(ctx, req.URL, req.ExpectedTag)
		if err != nil {
			respondError(c, err)
			return
		}
		respondExtraction(c, result, startTime)
	}
}

func metricsHandler(svc service.ExtractionService, metrics *observer.MetricsObserver) gin.HandlerFunc {
	return func(c *gin.Context) {
		body := gin.H{"active_sessions": svc.SessionCount()}
		if metrics != nil {
			for k, v := range metrics.GetMetrics() {
				body[k] = v
			}
		}
		c.JSON(http.StatusOK, body)
	}
}

func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "available",
		"version": "1.0.0",
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// respondExtraction writes a settled one-shot result. Failed attempts keep
// the same body shape with a status derived from the failure kind.
func respondExtraction(c *gin.Context, result *service.ExtractResult, startTime time.Time) {
	status := http.StatusOK
	if failed, ok := result.State.(extraction.Failed); ok {
		status = apperrors.GetStatusCode(failed.Err)
	}

	logger.WithFields(logrus.Fields{
		"state":              result.State.Phase(),
		"status_code":        status,
		"processing_time_ms": time.Since(startTime).Milliseconds(),
	}).Info("Extraction request completed")

	c.JSON(status, models.ExtractResponse{
		StateResponse: models.NewStateResponse(result.State),
		Match:         result.Match,
	})
}

func readUpload(c *gin.Context) ([]byte, error) {
	header, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, &apperrors.AppError{
				Type:       apperrors.ErrorTypeValidation,
				Message:    fmt.Sprintf("upload exceeds %d bytes", maxErr.Limit),
				StatusCode: http.StatusRequestEntityTooLarge,
				Cause:      err,
			}
		}
		return nil, apperrors.NewValidationError("multipart field \"image\" is required", err)
	}

	file, err := header.Open()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to open upload", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, apperrors.NewInternalError("failed to read upload", err)
	}
	return data, nil
}

func withSession(svc service.ExtractionService, next func(*gin.Context, *extraction.Controller)) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctrl, err := svc.Session(c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		next(c, ctrl)
	}
}

func sessionResponse(ctrl *extraction.Controller) models.SessionResponse {
	return models.SessionResponse{ID: ctrl.ID(), State: models.NewStateResponse(ctrl.State())}
}

// respondSupplied answers 202 while the attempt is pending and 200 once the
// state has already settled, as it does for a rejected image.
func respondSupplied(c *gin.Context, ctrl *extraction.Controller) {
	state := ctrl.State()
	status := http.StatusAccepted
	if state.Phase().Terminal() {
		status = http.StatusOK
	}
	c.JSON(status, models.SessionResponse{ID: ctrl.ID(), State: models.NewStateResponse(state)})
}
