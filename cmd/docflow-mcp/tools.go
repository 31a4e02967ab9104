package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/poller"
	"github.com/mmdatafocus/docflow_backend/utils"
	"github.com/mmdatafocus/docflow_backend/workflow"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tools answers MCP tool calls through the HTTP API.
type Tools struct {
	API *poller.Client
	// MaxWait caps wait_for_job regardless of what the caller asks for.
	MaxWait  time.Duration
	Interval time.Duration
}

var MetadataGetJobStatus = &mcp.Tool{
	Name: "get_job_status",
	Description: "Read the status of a pipeline job. keep_polling tells whether the job is still moving on its own; " +
		"a job in needs_approval waits for a human reviewer and will not change until someone approves or rejects it.",
}

var MetadataGetDocumentStatus = &mcp.Tool{
	Name:        "get_document_status",
	Description: "Read the lifecycle status of a document, with the ids of its extraction, proposal, approval and ledger entry.",
}

var MetadataListPendingApprovals = &mcp.Tool{
	Name:        "list_pending_approvals",
	Description: "List approvals waiting for a reviewer, newest first. Pass as_of from a previous page to page through a stable snapshot.",
}

var MetadataWaitForJob = &mcp.Tool{
	Name: "wait_for_job",
	Description: "Poll a job until it completes, fails or needs a reviewer. " +
		"Returns outcome still_processing if the job is still running when the wait ends.",
}

type InputJobStatus struct {
	JobID string `json:"job_id" jsonschema:"id of the job"`
}

type InputDocumentStatus struct {
	DocumentID string `json:"document_id" jsonschema:"id of the document"`
}

type InputListPendingApprovals struct {
	DocumentID string `json:"document_id,omitempty" jsonschema:"only approvals for this document"`
	Limit      int    `json:"limit,omitempty" jsonschema:"page size, at most 100"`
	Offset     int    `json:"offset,omitempty" jsonschema:"page offset"`
	AsOf       string `json:"as_of,omitempty" jsonschema:"snapshot cursor returned by an earlier page"`
}

type InputWaitForJob struct {
	JobID          string `json:"job_id" jsonschema:"id of the job"`
	MaxWaitSeconds int    `json:"max_wait_seconds,omitempty" jsonschema:"stop waiting after this many seconds"`
}

// OutputStatus is a flattened StatusView.
type OutputStatus struct {
	Kind           string `json:"kind"`
	ID             string `json:"id"`
	Status         string `json:"status"`
	Version        int64  `json:"version"`
	UpdatedAt      string `json:"updated_at"`
	Terminal       bool   `json:"terminal"`
	KeepPolling    bool   `json:"keep_polling"`
	Failed         bool   `json:"failed"`
	Error          string `json:"error,omitempty"`
	FailedStage    string `json:"failed_stage,omitempty"`
	RetryAfterMs   int64  `json:"retry_after_ms,omitempty"`
	DocumentID     string `json:"document_id"`
	DocumentStatus string `json:"document_status,omitempty"`
	ExtractionID   string `json:"extraction_id,omitempty"`
	ProposalID     string `json:"proposal_id,omitempty"`
	ApprovalID     string `json:"approval_id,omitempty"`
	LedgerEntryID  string `json:"ledger_entry_id,omitempty"`
	Step           int    `json:"step,omitempty"`
	TotalSteps     int    `json:"total_steps,omitempty"`
}

type OutputApproval struct {
	ID          string `json:"id"`
	DocumentID  string `json:"document_id"`
	ProposalID  string `json:"proposal_id"`
	JobID       string `json:"job_id,omitempty"`
	SubmittedBy string `json:"submitted_by"`
	CreatedAt   string `json:"created_at"`
}

type OutputListPendingApprovals struct {
	Approvals  []OutputApproval `json:"approvals"`
	AsOf       string           `json:"as_of,omitempty"`
	HasNext    bool             `json:"has_next"`
	NextOffset int              `json:"next_offset,omitempty"`
}

type OutputWaitForJob struct {
	Outcome  string       `json:"outcome"`
	Attempts int          `json:"attempts"`
	Status   OutputStatus `json:"status"`
}

func statusOutput(v workflow.StatusView) OutputStatus {
	out := OutputStatus{
		Kind:           v.Kind,
		ID:             v.ID,
		Status:         v.Status,
		Version:        v.Version,
		Terminal:       v.Terminal,
		KeepPolling:    v.KeepPolling,
		Failed:         v.Failed,
		Error:          utils.DereferencePtr(v.Error, ""),
		FailedStage:    utils.DereferencePtr(v.FailedStage, ""),
		RetryAfterMs:   v.RetryAfterMs,
		DocumentID:     v.DocumentId,
		DocumentStatus: string(v.DocumentStatus),
		ExtractionID:   utils.DereferencePtr(v.ExtractionId, ""),
		ProposalID:     utils.DereferencePtr(v.ProposalId, ""),
		ApprovalID:     utils.DereferencePtr(v.ApprovalId, ""),
		LedgerEntryID:  utils.DereferencePtr(v.LedgerEntryId, ""),
	}
	if !v.UpdatedAt.IsZero() {
		out.UpdatedAt = v.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	if v.Progress != nil {
		out.Step = v.Progress.Step
		out.TotalSteps = v.Progress.Total
	}
	return out
}

func required(name, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%s is required", name)
	}
	return v, nil
}

func (t *Tools) GetJobStatus(ctx context.Context, _ *mcp.CallToolRequest, input InputJobStatus) (*mcp.CallToolResult, OutputStatus, error) {
	id, err := required("job_id", input.JobID)
	if err != nil {
		return nil, OutputStatus{}, err
	}
	v, err := t.API.FetchJobStatus(ctx, id)
	if err != nil {
		return nil, OutputStatus{}, err
	}
	return nil, statusOutput(v), nil
}

func (t *Tools) GetDocumentStatus(ctx context.Context, _ *mcp.CallToolRequest, input InputDocumentStatus) (*mcp.CallToolResult, OutputStatus, error) {
	id, err := required("document_id", input.DocumentID)
	if err != nil {
		return nil, OutputStatus{}, err
	}
	v, err := t.API.FetchDocumentStatus(ctx, id)
	if err != nil {
		return nil, OutputStatus{}, err
	}
	return nil, statusOutput(v), nil
}

func (t *Tools) ListPendingApprovals(ctx context.Context, _ *mcp.CallToolRequest, input InputListPendingApprovals) (*mcp.CallToolResult, OutputListPendingApprovals, error) {
	q := url.Values{}
	q.Set("status", string(models.ApprovalStatusPending))
	if input.DocumentID != "" {
		q.Set("document_id", input.DocumentID)
	}
	if input.Limit > 0 {
		q.Set("limit", strconv.Itoa(input.Limit))
	}
	if input.Offset > 0 {
		q.Set("offset", strconv.Itoa(input.Offset))
	}
	if input.AsOf != "" {
		q.Set("as_of", input.AsOf)
	}
	var page models.ApprovalPage
	if err := t.API.Do(ctx, http.MethodGet, "/approvals?"+q.Encode(), nil, &page); err != nil {
		return nil, OutputListPendingApprovals{}, err
	}

	out := OutputListPendingApprovals{
		Approvals: make([]OutputApproval, 0, len(page.Items)),
		AsOf:      page.AsOf,
		HasNext:   page.HasNext,
	}
	if page.NextOffset != nil {
		out.NextOffset = *page.NextOffset
	}
	for _, a := range page.Items {
		out.Approvals = append(out.Approvals, OutputApproval{
			ID:          a.ID,
			DocumentID:  a.DocumentId,
			ProposalID:  a.ProposalId,
			JobID:       utils.DereferencePtr(a.JobId, ""),
			SubmittedBy: a.SubmittedBy,
			CreatedAt:   a.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return nil, out, nil
}

func (t *Tools) WaitForJob(ctx context.Context, _ *mcp.CallToolRequest, input InputWaitForJob) (*mcp.CallToolResult, OutputWaitForJob, error) {
	id, err := required("job_id", input.JobID)
	if err != nil {
		return nil, OutputWaitForJob{}, err
	}
	p := poller.DefaultPolicy()
	if t.Interval > 0 {
		p.Interval = t.Interval
	}
	if t.MaxWait > 0 {
		p.MaxWait = t.MaxWait
	}
	if asked := time.Duration(input.MaxWaitSeconds) * time.Second; asked > 0 && asked < p.MaxWait {
		p.MaxWait = asked
	}
	res, err := t.API.WaitForJob(ctx, id, poller.NewWaiter(p, nil))
	if err != nil {
		return nil, OutputWaitForJob{}, err
	}
	return nil, OutputWaitForJob{
		Outcome:  string(res.Outcome),
		Attempts: res.Attempts,
		Status:   statusOutput(res.View),
	}, nil
}

// Register adds every tool to server.
func (t *Tools) Register(server *mcp.Server) {
	mcp.AddTool(server, MetadataGetJobStatus, t.GetJobStatus)
	mcp.AddTool(server, MetadataGetDocumentStatus, t.GetDocumentStatus)
	mcp.AddTool(server, MetadataListPendingApprovals, t.ListPendingApprovals)
	mcp.AddTool(server, MetadataWaitForJob, t.WaitForJob)
}
