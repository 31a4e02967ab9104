package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docflow_backend/handlers"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/poller"
	"github.com/mmdatafocus/docflow_backend/utils"
	"github.com/mmdatafocus/docflow_backend/workflow"
	"github.com/mmdatafocus/docflow_backend/workflow/workflowtest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fixture struct {
	h   *workflowtest.Harness
	url string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h := workflowtest.NewHarness(workflow.WithLogger(logger))
	r := gin.New()
	handlers.New(h.Engine, nil, logger).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &fixture{h: h, url: srv.URL}
}

func (f *fixture) document(t *testing.T) *models.Document {
	t.Helper()
	doc, err := f.h.Engine.CreateDocument(context.Background(), models.NewDocument{
		FileName:  "invoice.pdf",
		SourceUri: "gs://bucket/invoice.pdf",
	})
	require.NoError(t, err)
	return doc
}

func (f *fixture) run(args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--api", f.url, "--interval", "5ms", "--max-wait", "5s"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitPrintsQueuedJob(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)

	out, err := f.run("submit", doc.ID)
	require.NoError(t, err)
	var job models.Job
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, doc.ID, job.DocumentId)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	_, err = f.run("submit", doc.ID)
	var he *poller.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusConflict, he.Status)
}

func TestWaitStopsAtNeedsApproval(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)
	job, err := f.h.Engine.SubmitJob(context.Background(), doc.ID)
	require.NoError(t, err)
	go func() { _, _ = f.h.Engine.RunJob(context.Background(), job.ID) }()

	out, err := f.run("wait", "job", job.ID)
	require.NoError(t, err)
	var v workflow.StatusView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, string(models.JobStatusNeedsApproval), v.Status)
	assert.False(t, v.KeepPolling)

	out, err = f.run("approvals", "--status", "pending")
	require.NoError(t, err)
	var page models.ApprovalPage
	require.NoError(t, json.Unmarshal([]byte(out), &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, doc.ID, page.Items[0].DocumentId)
}

func TestWaitReportsFailedJob(t *testing.T) {
	f := newFixture(t)
	f.h.Extractor.Err = assert.AnError
	doc := f.document(t)
	job, err := f.h.Engine.SubmitJob(context.Background(), doc.ID)
	require.NoError(t, err)
	_, _ = f.h.Engine.RunJob(context.Background(), job.ID)

	out, err := f.run("wait", "job", job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, out, `"failed": true`)

	_, err = f.run("retry", job.ID)
	require.NoError(t, err)
}

func TestStatusArgs(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)

	out, err := f.run("status", "document", doc.ID)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "new"`)

	_, err = f.run("status", "approval", doc.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")

	_, err = f.run("status", "job", "missing")
	var he *poller.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "NotFound", he.Code)
}

func TestEvidenceToWorkbook(t *testing.T) {
	f := newFixture(t)
	doc := f.document(t)
	_, err := f.h.Engine.Extract(context.Background(), doc.ID, workflow.StageOptions{})
	require.NoError(t, err)

	out, err := f.run("evidence", doc.ID)
	require.NoError(t, err)
	var events []models.EvidenceEvent
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.NotEmpty(t, events)

	path := filepath.Join(t.TempDir(), "evidence.xlsx")
	out, err = f.run("evidence", doc.ID, "--xlsx", path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "wrote "))

	wb, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer wb.Close()
	rows, err := wb.GetRows("Evidence")
	require.NoError(t, err)
	assert.Len(t, rows, len(events)+1)
	assert.Equal(t, "Action", rows[0][2])
}

func TestTokenCommand(t *testing.T) {
	f := newFixture(t)
	out, err := f.run("token", "--user", "ops", "--role", utils.RoleAdmin)
	require.NoError(t, err)

	tok, err := utils.JwtValidate(strings.TrimSpace(out))
	require.NoError(t, err)
	claims, ok := tok.Claims.(*utils.JwtCustomClaim)
	require.True(t, ok)
	assert.Equal(t, "ops", claims.Username())
	assert.True(t, claims.IsAdmin())

	_, err = f.run("token")
	require.Error(t, err)
}
