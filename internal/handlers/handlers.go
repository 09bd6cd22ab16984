package handlers

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/vrclassify/internal/apperror"
	"github.com/example/vrclassify/internal/auth"
	"github.com/example/vrclassify/internal/presentation"
	"github.com/example/vrclassify/internal/session"
	"github.com/example/vrclassify/internal/usecase"
)

// MaxUploadSize caps the accepted photo size.
const MaxUploadSize = 10 << 20

// multipartOverhead leaves room for boundaries and the threshold field.
const multipartOverhead = 64 << 10

// RegisterRoutes wires the HTTP handlers to the Gin router. Uploads without a
// threshold field are filtered at captureThreshold.
func RegisterRoutes(router *gin.Engine, uc *usecase.ClassificationUseCase, authMiddleware gin.HandlerFunc, captureThreshold float64, logger *zap.Logger) {
	logger = logger.Named("http")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/v1")
	if authMiddleware != nil {
		v1.Use(authMiddleware)
	}

	v1.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, uc.Status())
	})

	v1.POST("/configure", func(c *gin.Context) {
		err := uc.Configure(c.Request.Context())
		if errors.Is(err, session.ErrAlreadyReady) || errors.Is(err, session.ErrInProgress) {
			respondError(c, http.StatusConflict, apperror.Message(err.Error()).Alert())
			return
		}
		if err != nil {
			renderError(c, err)
			return
		}
		c.JSON(http.StatusOK, uc.Status())
	})

	v1.POST("/classify", func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)

		file, err := c.FormFile("image")
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				respondError(c, http.StatusRequestEntityTooLarge, apperror.Message("image exceeds the upload limit").Alert())
				return
			}
			renderError(c, apperror.Message("image file is required"))
			return
		}
		if file.Size > MaxUploadSize {
			respondError(c, http.StatusRequestEntityTooLarge, apperror.Message("image exceeds the upload limit").Alert())
			return
		}
		if !strings.HasPrefix(file.Header.Get("Content-Type"), "image/") {
			respondError(c, http.StatusUnsupportedMediaType, apperror.Message("unsupported image content type").Alert())
			return
		}

		threshold := captureThreshold
		if raw := strings.TrimSpace(c.PostForm("threshold")); raw != "" {
			threshold, err = strconv.ParseFloat(raw, 64)
			if err != nil || math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
				respondError(c, http.StatusBadRequest, apperror.Message("threshold must be a number between 0 and 1").Alert())
				return
			}
		}

		src, err := file.Open()
		if err != nil {
			renderError(c, apperror.New(apperror.InvalidImage, err))
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			renderError(c, apperror.New(apperror.InvalidImage, err))
			return
		}

		subject, _ := auth.Subject(c.Request.Context())
		reqLogger := logger.With(zap.String("subject", subject), zap.Int("image_bytes", len(data)), zap.Float64("threshold", threshold))

		result, err := uc.Classify(c.Request.Context(), data, threshold)
		if err != nil {
			reqLogger.Warn("classification request failed", zap.String("kind", apperror.KindOf(err).String()))
			renderError(c, err)
			return
		}
		reqLogger.Info("classification request served",
			zap.String("request_id", result.RequestID),
			zap.Int("results", len(result.Results)),
			zap.Bool("cached", result.Cached))

		c.JSON(http.StatusOK, gin.H{
			"classification": result,
			"view":           presentation.Build(result.Results),
		})
	})

	v1.GET("/results/sample", func(c *gin.Context) {
		results := presentation.SampleResults()
		c.JSON(http.StatusOK, gin.H{
			"initial": presentation.Initial(),
			"results": results,
			"view":    presentation.Build(results),
		})
	})

	v1.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, uc.GetMetricsSummary())
	})
}

func renderError(c *gin.Context, err error) {
	appErr := apperror.From(err)
	status := appErr.Kind.HTTPStatus()
	if appErr.Kind == apperror.Failure && appErr.Err == nil {
		status = http.StatusBadRequest
	}
	respondError(c, status, appErr.Alert())
}

func respondError(c *gin.Context, status int, alert apperror.Alert) {
	c.AbortWithStatusJSON(status, gin.H{"error": alert})
}
