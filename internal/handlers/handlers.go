package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/cow-check/internal/auth"
	"github.com/example/cow-check/internal/imagesource"
	"github.com/example/cow-check/internal/metrics"
	"github.com/example/cow-check/internal/session"
	"github.com/example/cow-check/internal/usecase"
)

// MaxUploadSize bounds a whole upload request: a full batch at the per-image
// cap plus room for the multipart framing.
const MaxUploadSize = imagesource.MaxImages*imagesource.MaxImageBytes + 1<<20

// Options carries the optional collaborators of the router.
type Options struct {
	Filter  imagesource.Filter
	Metrics *metrics.Manager
	Logger  *zap.Logger
}

type modeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc *usecase.SessionService, authMiddleware gin.HandlerFunc, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")
	filter := opts.Filter
	if filter.MaxBytes <= 0 {
		filter = imagesource.DefaultFilter()
	}

	router.Use(RequestLogger(logger))
	if opts.Metrics != nil {
		router.Use(Metrics(opts.Metrics))
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/", authMiddleware)

	api.GET("/session", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, svc.View(userID))
	})

	api.POST("/session/images", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		if c.Request.ContentLength > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)

		form, err := c.MultipartForm()
		if err != nil {
			if isTooLarge(err) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "multipart form is required"})
			return
		}
		files := form.File["images"]
		if len(files) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "images field is required"})
			return
		}

		src := imagesource.NewMultipartSource(files, filter, logger)
		if _, err := svc.LoadImages(c.Request.Context(), userID, src); err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, svc.View(userID))
	})

	api.DELETE("/session/images/:index", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		index, err := strconv.Atoi(c.Param("index"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "index must be an integer"})
			return
		}
		if err := svc.RemoveAt(userID, index); err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, svc.View(userID))
	})

	api.DELETE("/session/images", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		if err := svc.ClearAll(userID); err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, svc.View(userID))
	})

	api.PUT("/session/mode", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		var req modeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mode is required"})
			return
		}
		if err := svc.SetMode(userID, req.Mode); err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, svc.View(userID))
	})

	api.POST("/session/classify", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		runID, err := svc.StartRun(userID)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "status": "started"})
	})

	api.GET("/runs/:id", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		logs, err := svc.RunHistory(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeError(c, logger, err)
			return
		}
		if len(logs) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"run_id": c.Param("id"), "items": logs})
	})

	api.GET("/history/summary", func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		counts, err := svc.LabelSummary(c.Request.Context(), userID)
		if err != nil {
			writeError(c, logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"labels": counts})
	})
}

func requireUser(c *gin.Context) (string, bool) {
	userID, ok := auth.UserID(c.Request.Context())
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", false
	}
	return userID, true
}

func writeError(c *gin.Context, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, session.ErrEmptyBatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "no images to classify"})
	case errors.Is(err, session.ErrInvalidMode):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "a classification run is in progress"})
	case errors.Is(err, usecase.ErrNoImages):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "no supported images in upload"})
	case errors.Is(err, usecase.ErrHistoryDisabled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case isTooLarge(err):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload too large"})
	default:
		logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}
