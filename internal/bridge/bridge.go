package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/runningpoem30/videoTranscoding/internal/logging"
	"github.com/runningpoem30/videoTranscoding/internal/metrics"
	"github.com/runningpoem30/videoTranscoding/internal/middleware"
)

// maxEventSize bounds a single notification body
const maxEventSize = 1 << 20

// Publisher hands a raw event to the queue
type Publisher interface {
	PublishEvent(ctx context.Context, body []byte) error
}

// Bridge forwards storage notifications to the event queue
type Bridge struct {
	publisher Publisher
	authToken string
	logger    *logging.Logger
}

// New creates a bridge. An empty authToken accepts unauthenticated events.
func New(publisher Publisher, authToken string, logger *logging.Logger) *Bridge {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Bridge{publisher: publisher, authToken: authToken, logger: logger}
}

// Router returns the bridge's HTTP routes
func (b *Bridge) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(b.logger))

	router.GET("/health", b.healthCheck)
	router.POST("/events", middleware.SharedTokenAuth(b.authToken), b.receiveEvent)

	return router
}

func (b *Bridge) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// receiveEvent publishes the body unmodified. A failed publish answers 503
// so the storage provider delivers the notification again.
func (b *Bridge) receiveEvent(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventSize+1))
	if err != nil {
		metrics.RecordEventReceived("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}
	if len(body) > maxEventSize {
		metrics.RecordEventReceived("invalid")
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Event too large"})
		return
	}
	if len(body) == 0 {
		metrics.RecordEventReceived("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Empty event body"})
		return
	}
	if !json.Valid(body) {
		metrics.RecordEventReceived("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Event body is not valid JSON"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if err := b.publisher.PublishEvent(ctx, body); err != nil {
		metrics.RecordEventReceived("publish_failed")
		metrics.RecordError("bridge", "publish")
		b.logger.WithError(err).Error("Failed to publish event")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to queue event"})
		return
	}

	metrics.RecordEventReceived("accepted")
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
