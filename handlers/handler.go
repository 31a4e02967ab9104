// Package handlers binds the workflow engine to REST/JSON over gin.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/mmdatafocus/docflow_backend/workflow"
	"github.com/sirupsen/logrus"
)

// ObjectStore receives uploaded source files. *utils.GCSObjectStore satisfies it.
type ObjectStore interface {
	Put(ctx context.Context, objectName string, contentType string, data []byte) (string, error)
}

type Handler struct {
	Engine *workflow.Engine
	// Objects is nil when uploads are disabled.
	Objects        ObjectStore
	Logger         *logrus.Logger
	MaxUploadBytes int64
	// MaxImageEdge is the longest side, in pixels, kept for uploaded scans.
	MaxImageEdge int
}

const (
	defaultMaxUploadBytes int64 = 20 * 1024 * 1024
	defaultMaxImageEdge         = 2400
)

func New(engine *workflow.Engine, objects ObjectStore, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = config.GetLogger()
	}
	registerValidators()
	return &Handler{
		Engine:         engine,
		Objects:        objects,
		Logger:         logger,
		MaxUploadBytes: defaultMaxUploadBytes,
		MaxImageEdge:   defaultMaxImageEdge,
	}
}

// Register mounts the document, approval and job routes.
func (h *Handler) Register(r gin.IRouter) {
	docs := r.Group("/documents")
	docs.POST("", h.createDocument)
	docs.POST("/upload", h.uploadDocument)
	docs.GET("/:id", h.getDocument)
	docs.PATCH("/:id/custom-fields", h.updateCustomFields)
	docs.POST("/:id/extract", h.extract)
	docs.POST("/:id/propose", h.propose)
	docs.POST("/:id/submit-approval", h.submitApproval)
	docs.POST("/:id/post", adminOnly, h.postToLedger)
	docs.GET("/:id/status", h.documentStatus)
	docs.GET("/:id/evidence", h.listEvidence)
	docs.POST("/:id/jobs", h.submitJob)
	docs.GET("/:id/jobs", h.listJobs)

	r.GET("/proposals/:id", h.getProposal)

	approvals := r.Group("/approvals")
	approvals.GET("", h.listApprovals)
	approvals.GET("/:id", h.getApproval)
	approvals.POST("/:id/approve", h.approve)
	approvals.POST("/:id/reject", h.reject)

	jobs := r.Group("/jobs")
	jobs.GET("/:id", h.getJob)
	jobs.GET("/:id/status", h.jobStatus)
	jobs.POST("/:id/retry", adminOnly, h.retryJob)
}

// RegisterPubSub mounts the Pub/Sub push endpoint. It sits outside the auth group;
// push subscriptions authenticate at the infrastructure layer.
func (h *Handler) RegisterPubSub(r gin.IRouter) {
	r.POST("/pubsub/jobs", h.pubsubJobs)
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data})
}

func ok(c *gin.Context, data any) {
	respond(c, http.StatusOK, data)
}
