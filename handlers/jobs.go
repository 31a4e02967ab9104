package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/mmdatafocus/docflow_backend/utils"
	"github.com/mmdatafocus/docflow_backend/workflow"
)

func (h *Handler) submitJob(c *gin.Context) {
	job, err := h.Engine.SubmitJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, job)
}

func (h *Handler) listJobs(c *gin.Context) {
	jobs, err := h.Engine.ListJobs(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, jobs)
}

func (h *Handler) getJob(c *gin.Context) {
	job, err := h.Engine.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, job)
}

func (h *Handler) jobStatus(c *gin.Context) {
	view, err := h.Engine.GetJobStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	setRetryAfter(c, view)
	ok(c, view)
}

func (h *Handler) retryJob(c *gin.Context) {
	job, err := h.Engine.RetryJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, job)
}

// setRetryAfter advertises the poll interval while the view still changes on its own.
func setRetryAfter(c *gin.Context, v workflow.StatusView) {
	if !v.KeepPolling || v.RetryAfterMs <= 0 {
		return
	}
	secs := (v.RetryAfterMs + 999) / 1000
	c.Header("Retry-After", strconv.FormatInt(secs, 10))
}

// adminOnly guards the operator endpoints (manual repost, job retry) when auth is enforced.
func adminOnly(c *gin.Context) {
	if config.AuthRequired() {
		if isAdmin, _ := utils.GetIsAdminFromContext(c.Request.Context()); !isAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required", "code": "Forbidden"})
			return
		}
	}
	c.Next()
}
