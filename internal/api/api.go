package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/runningpoem30/videoTranscoding/internal/database"
	"github.com/runningpoem30/videoTranscoding/internal/logging"
	"github.com/runningpoem30/videoTranscoding/internal/metrics"
	"github.com/runningpoem30/videoTranscoding/internal/middleware"
	"github.com/runningpoem30/videoTranscoding/pkg/models"
)

// DefaultPresignExpiry is how long an upload URL stays valid
const DefaultPresignExpiry = time.Hour

// Presigner issues time-limited upload URLs
type Presigner interface {
	PresignPut(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// RecordStore persists stream records
type RecordStore interface {
	CreateRecord(ctx context.Context, record *models.StreamRecord) error
	GetRecord(ctx context.Context, id string) (*models.StreamRecord, error)
	ListRecords(ctx context.Context, ownerID string, limit int) ([]*models.StreamRecord, error)
	DeleteRecord(ctx context.Context, id string) error
}

// StatusStore reads run status
type StatusStore interface {
	Get(ctx context.Context, name string) (*models.RunStatus, error)
	Recent(ctx context.Context, limit int) ([]models.RunStatus, error)
}

// HealthChecker reports dependency health
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Config configures the API handlers
type Config struct {
	UploadBucket  string
	PresignExpiry time.Duration
	JWTSecret     string
}

// API serves upload URLs, stream records and run status
type API struct {
	cfg       Config
	presigner Presigner
	records   RecordStore
	status    StatusStore
	health    HealthChecker
	limiter   *middleware.RateLimiter
	logger    *logging.Logger
	now       func() time.Time
}

// New creates the API. status and health may be nil.
func New(cfg Config, presigner Presigner, records RecordStore, status StatusStore, health HealthChecker, limiter *middleware.RateLimiter, logger *logging.Logger) *API {
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = DefaultPresignExpiry
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &API{
		cfg:       cfg,
		presigner: presigner,
		records:   records,
		status:    status,
		health:    health,
		limiter:   limiter,
		logger:    logger,
		now:       time.Now,
	}
}

// Router builds the HTTP routes
func (api *API) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(api.logger))

	router.GET("/health", api.healthCheck)

	uploadHandlers := []gin.HandlerFunc{api.issueUploadURL}
	if api.limiter != nil {
		uploadHandlers = append([]gin.HandlerFunc{middleware.RateLimit(api.limiter)}, uploadHandlers...)
	}
	router.POST("/upload", uploadHandlers...)

	v1 := router.Group("/api/v1")
	v1.Use(middleware.JWTAuth(api.cfg.JWTSecret))
	{
		v1.GET("/videos", api.listVideos)
		v1.POST("/videos", api.createVideo)
		v1.GET("/videos/:id", api.getVideo)
		v1.DELETE("/videos/:id", api.deleteVideo)

		v1.GET("/runs", api.listRuns)
		v1.GET("/runs/:name", api.getRun)
	}

	return router
}

func (api *API) healthCheck(c *gin.Context) {
	if api.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if err := api.health.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

type uploadRequest struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
}

// issueUploadURL returns a presigned PUT URL under the upload prefix
func (api *API) issueUploadURL(c *gin.Context) {
	var req uploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := validateFileName(req.FileName); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := UploadKey(req.FileName, api.now())
	url, err := api.presigner.PresignPut(c.Request.Context(), api.cfg.UploadBucket, key, api.cfg.PresignExpiry)
	if err != nil {
		metrics.RecordError("api", "presign")
		api.logger.WithError(err).WithObject(api.cfg.UploadBucket, key).Error("Failed to presign upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create upload URL"})
		return
	}

	metrics.UploadURLsIssuedTotal.Inc()
	c.JSON(http.StatusOK, models.UploadURL{UploadURL: url, Key: key})
}

// UploadKey returns video-uploads/<unix-millis>-<fileName>
func UploadKey(fileName string, at time.Time) string {
	return path.Join(models.UploadPrefix, fmt.Sprintf("%d-%s", at.UnixMilli(), fileName))
}

func validateFileName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errors.New("fileName is required")
	case strings.ContainsAny(name, `/\`):
		return errors.New("fileName must not contain a path separator")
	case name == "." || name == "..":
		return errors.New("fileName is invalid")
	}
	return nil
}

func (api *API) listVideos(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	records, err := api.records.ListRecords(c.Request.Context(), userID, 100)
	if err != nil {
		api.logger.WithError(err).Error("Failed to list records")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list videos"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"videos": records})
}

type createVideoRequest struct {
	OriginalFileName string `json:"originalFileName"`
	OriginalFileSize int64  `json:"originalFileSize"`
	CloudfrontURL    string `json:"cloudfrontUrl"`
	Status           string `json:"status"`
}

func (api *API) createVideo(c *gin.Context) {
	userID, _ := middleware.GetUserID(c)

	var req createVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.OriginalFileName == "" || req.CloudfrontURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "originalFileName and cloudfrontUrl are required"})
		return
	}
	if req.OriginalFileSize < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "originalFileSize must not be negative"})
		return
	}

	record := &models.StreamRecord{
		OwnerID:          userID,
		OriginalFileName: req.OriginalFileName,
		OriginalFileSize: req.OriginalFileSize,
		DestinationURL:   req.CloudfrontURL,
		Status:           req.Status,
	}
	if err := api.records.CreateRecord(c.Request.Context(), record); err != nil {
		api.logger.WithError(err).Error("Failed to create record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save video"})
		return
	}

	c.JSON(http.StatusCreated, record)
}

// ownedRecord loads a record and checks it belongs to the caller. It has
// already written the error response when it returns nil.
func (api *API) ownedRecord(c *gin.Context) *models.StreamRecord {
	userID, _ := middleware.GetUserID(c)

	// record IDs are UUIDs, anything else cannot exist
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
		return nil
	}

	record, err := api.records.GetRecord(c.Request.Context(), id.String())
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
		return nil
	}
	if err != nil {
		api.logger.WithError(err).Error("Failed to get record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get video"})
		return nil
	}
	if record.OwnerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Not allowed"})
		return nil
	}

	return record
}

func (api *API) getVideo(c *gin.Context) {
	record := api.ownedRecord(c)
	if record == nil {
		return
	}
	c.JSON(http.StatusOK, record)
}

func (api *API) deleteVideo(c *gin.Context) {
	record := api.ownedRecord(c)
	if record == nil {
		return
	}

	err := api.records.DeleteRecord(c.Request.Context(), record.ID)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
		return
	}
	if err != nil {
		api.logger.WithError(err).Error("Failed to delete record")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete video"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Video deleted successfully"})
}

// getRun returns the last reported status of the run for a destination prefix
func (api *API) getRun(c *gin.Context) {
	if api.status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Run status tracking is disabled"})
		return
	}

	status, err := api.status.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		api.logger.WithError(err).Error("Failed to get run status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get run status"})
		return
	}
	if status == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}

	c.JSON(http.StatusOK, status)
}

func (api *API) listRuns(c *gin.Context) {
	if api.status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Run status tracking is disabled"})
		return
	}

	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		limit = n
	}

	runs, err := api.status.Recent(c.Request.Context(), limit)
	if err != nil {
		api.logger.WithError(err).Error("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
