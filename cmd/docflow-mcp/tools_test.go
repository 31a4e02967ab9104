package main

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docflow_backend/handlers"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/poller"
	"github.com/mmdatafocus/docflow_backend/workflow"
	"github.com/mmdatafocus/docflow_backend/workflow/workflowtest"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTools(t *testing.T) (*Tools, *workflowtest.Harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h := workflowtest.NewHarness(workflow.WithLogger(logger))
	r := gin.New()
	handlers.New(h.Engine, nil, logger).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &Tools{API: poller.NewClient(srv.URL), Interval: 5 * time.Millisecond, MaxWait: 5 * time.Second}, h
}

// pendingJob runs a job up to the reviewer and returns it.
func pendingJob(t *testing.T, h *workflowtest.Harness) *models.Job {
	t.Helper()
	ctx := context.Background()
	doc, err := h.Engine.CreateDocument(ctx, models.NewDocument{FileName: "bill.pdf", SourceUri: "gs://b/bill.pdf"})
	require.NoError(t, err)
	job, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)
	job, err = h.Engine.RunJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusNeedsApproval, job.Status)
	return job
}

func TestGetJobStatus(t *testing.T) {
	tools, h := newTools(t)
	job := pendingJob(t, h)
	ctx := context.Background()
	req := &mcp.CallToolRequest{}

	tests := []struct {
		name        string
		input       InputJobStatus
		errContains string
		validate    func(t *testing.T, out OutputStatus)
	}{
		{
			name:        "empty id returns error",
			input:       InputJobStatus{JobID: "  "},
			errContains: "job_id is required",
		},
		{
			name:        "unknown job surfaces the API error",
			input:       InputJobStatus{JobID: "missing"},
			errContains: "NotFound",
		},
		{
			name:  "job waiting on a reviewer stops polling",
			input: InputJobStatus{JobID: job.ID},
			validate: func(t *testing.T, out OutputStatus) {
				assert.Equal(t, "needs_approval", out.Status)
				assert.False(t, out.KeepPolling)
				assert.False(t, out.Terminal)
				assert.NotEmpty(t, out.ApprovalID)
				assert.NotEmpty(t, out.UpdatedAt)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, out, err := tools.GetJobStatus(ctx, req, tt.input)
			assert.Nil(t, result)
			if tt.errContains != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			tt.validate(t, out)
		})
	}
}

func TestGetDocumentStatus(t *testing.T) {
	tools, h := newTools(t)
	job := pendingJob(t, h)

	_, out, err := tools.GetDocumentStatus(context.Background(), &mcp.CallToolRequest{}, InputDocumentStatus{DocumentID: job.DocumentId})
	require.NoError(t, err)
	assert.Equal(t, "document", out.Kind)
	assert.Equal(t, string(models.DocumentStatusPendingApproval), out.Status)
	assert.NotEmpty(t, out.ProposalID)

	_, _, err = tools.GetDocumentStatus(context.Background(), &mcp.CallToolRequest{}, InputDocumentStatus{})
	assert.ErrorContains(t, err, "document_id is required")
}

func TestListPendingApprovals(t *testing.T) {
	tools, h := newTools(t)
	first := pendingJob(t, h)
	second := pendingJob(t, h)

	_, out, err := tools.ListPendingApprovals(context.Background(), &mcp.CallToolRequest{}, InputListPendingApprovals{Limit: 1})
	require.NoError(t, err)
	require.Len(t, out.Approvals, 1)
	assert.Equal(t, second.DocumentId, out.Approvals[0].DocumentID, "newest first")
	assert.True(t, out.HasNext)
	assert.NotEmpty(t, out.AsOf)

	_, out, err = tools.ListPendingApprovals(context.Background(), &mcp.CallToolRequest{}, InputListPendingApprovals{
		Limit:  1,
		Offset: out.NextOffset,
		AsOf:   out.AsOf,
	})
	require.NoError(t, err)
	require.Len(t, out.Approvals, 1)
	assert.Equal(t, first.DocumentId, out.Approvals[0].DocumentID)
	assert.False(t, out.HasNext)
}

func TestWaitForJob(t *testing.T) {
	tools, h := newTools(t)
	ctx := context.Background()
	doc, err := h.Engine.CreateDocument(ctx, models.NewDocument{FileName: "r.pdf", SourceUri: "gs://b/r.pdf"})
	require.NoError(t, err)
	job, err := h.Engine.SubmitJob(ctx, doc.ID)
	require.NoError(t, err)

	// Nothing runs the queued job, so a short wait comes back still processing.
	_, out, err := tools.WaitForJob(ctx, &mcp.CallToolRequest{}, InputWaitForJob{JobID: job.ID, MaxWaitSeconds: 1})
	require.NoError(t, err)
	assert.Equal(t, string(poller.OutcomeStillProcessing), out.Outcome)
	assert.Equal(t, "queued", out.Status.Status)

	go func() { _, _ = h.Engine.RunJob(context.Background(), job.ID) }()
	_, out, err = tools.WaitForJob(ctx, &mcp.CallToolRequest{}, InputWaitForJob{JobID: job.ID})
	require.NoError(t, err)
	assert.Equal(t, string(poller.OutcomeTerminal), out.Outcome)
	assert.Equal(t, "needs_approval", out.Status.Status)
}

func TestServerListsTools(t *testing.T) {
	tools, _ := newTools(t)
	ctx := context.Background()
	server := newServer(tools)

	ct, st := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, st, nil)
	require.NoError(t, err)
	defer ss.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	require.NoError(t, err)
	defer cs.Close()

	res, err := cs.ListTools(ctx, &mcp.ListToolsParams{})
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"get_job_status", "get_document_status", "list_pending_approvals", "wait_for_job"}, names)
}
