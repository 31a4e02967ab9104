package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/utils"
)

type listApprovalsQuery struct {
	Status     string `form:"status" binding:"omitempty,approvalstatus"`
	DocumentId string `form:"document_id"`
	Limit      int    `form:"limit" binding:"omitempty,min=0"`
	Offset     int    `form:"offset" binding:"omitempty,min=0"`
	AsOf       string `form:"as_of"`
}

type approveRequest struct {
	// Reviewer defaults to the authenticated user.
	Reviewer string `json:"reviewer" binding:"omitempty,max=255"`
	Note     string `json:"note"`
}

type rejectRequest struct {
	Reviewer string `json:"reviewer" binding:"omitempty,max=255"`
	Reason   string `json:"reason"`
}

func (h *Handler) listApprovals(c *gin.Context) {
	var q listApprovalsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		h.badRequest(c, err)
		return
	}
	asOf, err := models.DecodeApprovalCursor(q.AsOf)
	if err != nil {
		h.fail(c, err)
		return
	}
	f := models.ApprovalFilter{
		DocumentId: strings.TrimSpace(q.DocumentId),
		AsOf:       asOf,
		Limit:      q.Limit,
		Offset:     q.Offset,
	}
	if q.Status != "" {
		st, err := models.ParseApprovalStatus(q.Status)
		if err != nil {
			h.fail(c, err)
			return
		}
		f.Status = &st
	}
	page, err := h.Engine.ListApprovals(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, page)
}

func (h *Handler) getApproval(c *gin.Context) {
	a, err := h.Engine.GetApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, a)
}

func (h *Handler) approve(c *gin.Context) {
	var req approveRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	res, err := h.Engine.Approve(ctx, c.Param("id"), reviewerOf(c, req.Reviewer), req.Note)
	if err != nil {
		h.fail(c, err)
		return
	}
	body := gin.H{"approval": res.Approval, "document": res.Document}
	if res.PostError != nil {
		body["post_error"] = res.PostError.Error()
		body["post_error_code"] = string(models.KindOf(res.PostError))
	}
	ok(c, body)
}

func (h *Handler) reject(c *gin.Context) {
	var req rejectRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.badRequest(c, err)
		return
	}
	a, doc, err := h.Engine.Reject(c.Request.Context(), c.Param("id"), reviewerOf(c, req.Reviewer), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, gin.H{"approval": a, "document": doc})
}

// reviewerOf falls back to the authenticated actor. Anonymous requests fall through as ""
// so the engine rejects them as InvalidInput.
func reviewerOf(c *gin.Context, requested string) string {
	if r := strings.TrimSpace(requested); r != "" {
		return r
	}
	if actor := utils.GetActorFromContext(c.Request.Context()); actor != utils.SystemActor {
		return actor
	}
	return ""
}
