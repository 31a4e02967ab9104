package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/workflow"
)

type stageRequest struct {
	ExpectedStatus string `json:"expected_status" binding:"omitempty,docstatus"`
}

func (r stageRequest) options() workflow.StageOptions {
	return workflow.StageOptions{ExpectedStatus: expectedStatus(r.ExpectedStatus)}
}

type submitApprovalRequest struct {
	ProposalId     string `json:"proposal_id" binding:"required"`
	ExpectedStatus string `json:"expected_status" binding:"omitempty,docstatus"`
}

type customFieldsRequest struct {
	CustomFields    map[string]any `json:"custom_fields" binding:"required"`
	ExpectedVersion *int64         `json:"expected_version" binding:"omitempty,min=1"`
}

// expectedStatus has already passed the docstatus tag, so only the alias is rewritten here.
func expectedStatus(s string) *models.DocumentStatus {
	if s == "" {
		return nil
	}
	st, err := models.ParseDocumentStatus(s)
	if err != nil {
		return nil
	}
	return &st
}

func (h *Handler) createDocument(c *gin.Context) {
	var req models.NewDocument
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	doc, err := h.Engine.CreateDocument(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, doc)
}

func (h *Handler) getDocument(c *gin.Context) {
	doc, err := h.Engine.GetDocument(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, doc)
}

func (h *Handler) updateCustomFields(c *gin.Context) {
	var req customFieldsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	doc, err := h.Engine.UpdateCustomFields(c.Request.Context(), c.Param("id"), req.CustomFields, req.ExpectedVersion)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, doc)
}

func (h *Handler) extract(c *gin.Context) {
	var req stageRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	doc, err := h.Engine.Extract(ctx, c.Param("id"), req.options())
	if err != nil {
		h.failDocument(c, err, doc)
		return
	}
	view, err := h.Engine.GetDocumentStatus(ctx, doc.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, gin.H{"document": doc, "status": view})
}

func (h *Handler) propose(c *gin.Context) {
	var req stageRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		h.badRequest(c, err)
		return
	}
	doc, p, err := h.Engine.Propose(c.Request.Context(), c.Param("id"), req.options())
	if err != nil {
		h.failDocument(c, err, doc)
		return
	}
	ok(c, gin.H{"document": doc, "proposal": proposalSummary(p)})
}

func (h *Handler) submitApproval(c *gin.Context) {
	var req submitApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	a, doc, err := h.Engine.SubmitApproval(c.Request.Context(), c.Param("id"), req.ProposalId, workflow.SubmitOptions{
		ExpectedStatus: expectedStatus(req.ExpectedStatus),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"approval": a, "document": doc})
}

func (h *Handler) postToLedger(c *gin.Context) {
	doc, err := h.Engine.PostToLedger(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.failDocument(c, err, doc)
		return
	}
	ok(c, doc)
}

func (h *Handler) documentStatus(c *gin.Context) {
	view, err := h.Engine.GetDocumentStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	setRetryAfter(c, view)
	ok(c, view)
}

func (h *Handler) getProposal(c *gin.Context) {
	p, err := h.Engine.GetProposal(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	ok(c, p)
}

// proposalSummary is the propose response; entries are fetched with GET /proposals/:id.
func proposalSummary(p *models.Proposal) gin.H {
	if p == nil {
		return nil
	}
	return gin.H{
		"id":            p.ID,
		"document_id":   p.DocumentId,
		"entry_count":   len(p.Entries),
		"total_debit":   p.TotalDebit,
		"total_credit":  p.TotalCredit,
		"is_balanced":   p.IsBalanced,
		"ai_confidence": p.AiConfidence,
		"currency":      p.Currency,
	}
}
