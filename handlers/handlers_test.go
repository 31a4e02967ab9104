package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/mmdatafocus/docflow_backend/handlers"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/mmdatafocus/docflow_backend/workflow"
	"github.com/mmdatafocus/docflow_backend/workflow/workflowtest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Data   json.RawMessage   `json:"data"`
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields"`
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeObjects) Put(ctx context.Context, name string, contentType string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[name] = data
	return "gs://test-bucket/" + name, nil
}

func (f *fakeObjects) only(t *testing.T) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.objects, 1)
	for _, data := range f.objects {
		return data
	}
	return nil
}

type testServer struct {
	h       *workflowtest.Harness
	objects *fakeObjects
	router  *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(bytes.NewBuffer(nil))
	h := workflowtest.NewHarness(workflow.WithLogger(logger))
	objects := &fakeObjects{}
	hd := handlers.New(h.Engine, objects, logger)
	r := gin.New()
	hd.Register(r)
	hd.RegisterPubSub(r)
	return &testServer{h: h, objects: objects, router: r}
}

func (s *testServer) do(t *testing.T, method string, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	var env envelope
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") != "" && bytes.HasPrefix(bytes.TrimSpace(rec.Body.Bytes()), []byte("{")) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func (s *testServer) createDocument(t *testing.T) models.Document {
	t.Helper()
	rec, env := s.do(t, http.MethodPost, "/documents", gin.H{
		"file_name":  "invoice.pdf",
		"source_uri": "gs://test-bucket/in/invoice.pdf",
		"mime_type":  "application/pdf",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[models.Document](t, env.Data)
}

type stageResponse struct {
	Document models.Document `json:"document"`
	Proposal struct {
		ID         string `json:"id"`
		IsBalanced bool   `json:"is_balanced"`
		TotalDebit int64  `json:"total_debit"`
	} `json:"proposal"`
	Approval models.Approval `json:"approval"`
}

func (s *testServer) pendingApproval(t *testing.T) (models.Document, models.Approval) {
	t.Helper()
	doc := s.createDocument(t)
	rec, _ := s.do(t, http.MethodPost, "/documents/"+doc.ID+"/extract", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, env := s.do(t, http.MethodPost, "/documents/"+doc.ID+"/propose", gin.H{"expected_status": "extracted"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	proposed := decode[stageResponse](t, env.Data)

	rec, env = s.do(t, http.MethodPost, "/documents/"+doc.ID+"/submit-approval", gin.H{"proposal_id": proposed.Proposal.ID})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	submitted := decode[stageResponse](t, env.Data)
	return submitted.Document, submitted.Approval
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	doc := s.createDocument(t)
	assert.Equal(t, models.DocumentStatusNew, doc.Status)

	rec, env := s.do(t, http.MethodPost, "/documents/"+doc.ID+"/extract", gin.H{"expected_status": "new"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var extracted struct {
		Document models.Document     `json:"document"`
		Status   workflow.StatusView `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &extracted))
	assert.Equal(t, models.DocumentStatusExtracted, extracted.Document.Status)
	assert.Equal(t, "extracted", extracted.Status.Status)
	assert.False(t, extracted.Status.KeepPolling)

	rec, env = s.do(t, http.MethodPost, "/documents/"+doc.ID+"/propose", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	proposed := decode[stageResponse](t, env.Data)
	assert.Equal(t, models.DocumentStatusProposed, proposed.Document.Status)
	assert.True(t, proposed.Proposal.IsBalanced)
	assert.Equal(t, int64(500000), proposed.Proposal.TotalDebit)

	// Only the orchestrator links an approval to a job; a client supplied job_id is ignored.
	rec, env = s.do(t, http.MethodPost, "/documents/"+doc.ID+"/submit-approval", gin.H{"proposal_id": proposed.Proposal.ID, "job_id": "someone-elses-job"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	submitted := decode[stageResponse](t, env.Data)
	assert.Equal(t, models.DocumentStatusPendingApproval, submitted.Document.Status)
	assert.Equal(t, models.ApprovalStatusPending, submitted.Approval.Status)
	assert.Nil(t, submitted.Approval.JobId)

	rec, env = s.do(t, http.MethodPost, "/approvals/"+submitted.Approval.ID+"/approve", gin.H{"reviewer": "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[stageResponse](t, env.Data)
	assert.Equal(t, models.ApprovalStatusApproved, approved.Approval.Status)
	assert.Equal(t, models.DocumentStatusPosted, approved.Document.Status)

	rec, env = s.do(t, http.MethodPost, "/approvals/"+submitted.Approval.ID+"/approve", gin.H{"reviewer": "bob"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "AlreadyResolved", env.Code)
	assert.Equal(t, 1, s.h.Ledger.Calls())

	rec, env = s.do(t, http.MethodGet, "/documents/"+doc.ID+"/evidence", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]models.EvidenceEvent](t, env.Data)
	require.NotEmpty(t, events)
	assert.Equal(t, models.ActionDocumentCreated, events[0].Action)
	for i := 1; i < len(events); i++ {
		assert.False(t, models.EvidenceLess(&events[i], &events[i-1]), "evidence out of order at %d", i)
	}
}

func TestApproveUnbalancedReturnsUnprocessable(t *testing.T) {
	s := newTestServer(t)
	s.h.Reasoner.Drafts = []models.ProposalDraft{workflowtest.UnbalancedDraft(500000, 480000)}
	doc, a := s.pendingApproval(t)

	rec, env := s.do(t, http.MethodPost, "/approvals/"+a.ID+"/approve", gin.H{"reviewer": "alice"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "NotBalanced", env.Code)

	rec, env = s.do(t, http.MethodGet, "/documents/"+doc.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.DocumentStatusPendingApproval, decode[models.Document](t, env.Data).Status)
}

func TestRejectNeedsReasonAndReviewer(t *testing.T) {
	s := newTestServer(t)
	doc, a := s.pendingApproval(t)

	rec, env := s.do(t, http.MethodPost, "/approvals/"+a.ID+"/reject", gin.H{"reviewer": "alice", "reason": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidInput", env.Code)

	rec, env = s.do(t, http.MethodPost, "/approvals/"+a.ID+"/reject", gin.H{"reason": "wrong vendor"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "anonymous reviewer")
	assert.Equal(t, "InvalidInput", env.Code)

	rec, env = s.do(t, http.MethodPost, "/approvals/"+a.ID+"/reject", gin.H{"reviewer": "alice", "reason": "wrong vendor"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rejected := decode[stageResponse](t, env.Data)
	assert.Equal(t, models.ApprovalStatusRejected, rejected.Approval.Status)
	assert.Equal(t, models.DocumentStatusRejected, rejected.Document.Status)
	assert.Equal(t, doc.ID, rejected.Document.ID)
}

func TestListApprovalsByStatus(t *testing.T) {
	s := newTestServer(t)
	_, first := s.pendingApproval(t)
	_, second := s.pendingApproval(t)
	rec, _ := s.do(t, http.MethodPost, "/approvals/"+first.ID+"/reject", gin.H{"reviewer": "alice", "reason": "duplicate"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := s.do(t, http.MethodGet, "/approvals?status=pending&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[models.ApprovalPage](t, env.Data)
	require.Len(t, page.Items, 1)
	assert.Equal(t, second.ID, page.Items[0].ID)
	assert.False(t, page.HasNext)

	rec, env = s.do(t, http.MethodGet, "/approvals?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[models.ApprovalPage](t, env.Data)
	require.Len(t, page.Items, 1)
	assert.True(t, page.HasNext)
	require.NotNil(t, page.NextOffset)
	assert.NotEmpty(t, page.AsOf)

	rec, env = s.do(t, http.MethodGet, "/approvals?status=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "approvalstatus", env.Fields["Status"])

	rec, env = s.do(t, http.MethodGet, "/approvals?as_of=not-a-cursor", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidInput", env.Code)
}

func TestCreateDocumentValidation(t *testing.T) {
	s := newTestServer(t)
	rec, env := s.do(t, http.MethodPost, "/documents", gin.H{"file_name": "a.pdf", "source_uri": "https://example.com/a.pdf"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "gsuri", env.Fields["SourceUri"])

	rec, env = s.do(t, http.MethodPost, "/documents", gin.H{"source_uri": "gs://b/a.pdf"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "required", env.Fields["FileName"])
}

func TestStagePreconditions(t *testing.T) {
	s := newTestServer(t)
	doc := s.createDocument(t)

	rec, env := s.do(t, http.MethodPost, "/documents/"+doc.ID+"/extract", gin.H{"expected_status": "proposed"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "InvalidState", env.Code)

	rec, env = s.do(t, http.MethodPost, "/documents/"+doc.ID+"/extract", gin.H{"expected_status": "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "docstatus", env.Fields["ExpectedStatus"])

	rec, env = s.do(t, http.MethodPost, "/documents/"+doc.ID+"/propose", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "cannot propose before extraction")
	assert.Equal(t, "InvalidState", env.Code)

	rec, env = s.do(t, http.MethodGet, "/documents/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NotFound", env.Code)
}

func TestProcessedAliasIsAcceptedAsExpectedStatus(t *testing.T) {
	s := newTestServer(t)
	doc := s.createDocument(t)
	rec, _ := s.do(t, http.MethodPost, "/documents/"+doc.ID+"/extract", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := s.do(t, http.MethodPost, "/documents/"+doc.ID+"/propose", gin.H{"expected_status": "processed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.DocumentStatusProposed, decode[stageResponse](t, env.Data).Document.Status)
}

func TestExtractionFailureIsVisibleInStatus(t *testing.T) {
	s := newTestServer(t)
	s.h.Extractor.Err = assert.AnError
	doc := s.createDocument(t)

	rec, env := s.do(t, http.MethodPost, "/documents/"+doc.ID+"/extract", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "StageFailure", env.Code)

	rec, env = s.do(t, http.MethodGet, "/documents/"+doc.ID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[workflow.StatusView](t, env.Data)
	assert.Equal(t, "new", view.Status)
	assert.True(t, view.Failed)
	require.NotNil(t, view.FailedStage)
	assert.Equal(t, models.StageExtract, *view.FailedStage)
	assert.False(t, view.KeepPolling)
}

func TestCustomFieldsVersionCheck(t *testing.T) {
	s := newTestServer(t)
	doc := s.createDocument(t)

	rec, env := s.do(t, http.MethodPatch, "/documents/"+doc.ID+"/custom-fields", gin.H{
		"custom_fields":    gin.H{"cost_center": "ops"},
		"expected_version": doc.Version,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[models.Document](t, env.Data)
	assert.Equal(t, "ops", updated.CustomFields["cost_center"])

	rec, env = s.do(t, http.MethodPatch, "/documents/"+doc.ID+"/custom-fields", gin.H{
		"custom_fields":    gin.H{"cost_center": "sales"},
		"expected_version": doc.Version,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "Conflict", env.Code)
}

func TestJobStatusPolling(t *testing.T) {
	s := newTestServer(t)
	doc := s.createDocument(t)

	rec, env := s.do(t, http.MethodPost, "/documents/"+doc.ID+"/jobs", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	job := decode[models.Job](t, env.Data)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	rec, env = s.do(t, http.MethodPost, "/documents/"+doc.ID+"/jobs", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "second active job")
	assert.Equal(t, "Conflict", env.Code)

	rec, env = s.do(t, http.MethodGet, "/jobs/"+job.ID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[workflow.StatusView](t, env.Data)
	assert.True(t, view.KeepPolling)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	_, err := s.h.Engine.RunJob(context.Background(), job.ID)
	require.NoError(t, err)

	rec, env = s.do(t, http.MethodGet, "/jobs/"+job.ID+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view = decode[workflow.StatusView](t, env.Data)
	assert.Equal(t, string(models.JobStatusNeedsApproval), view.Status)
	assert.False(t, view.KeepPolling)
	assert.Empty(t, rec.Header().Get("Retry-After"))
	require.NotNil(t, view.ApprovalId)

	rec, env = s.do(t, http.MethodGet, "/documents/"+doc.ID+"/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Job](t, env.Data), 1)

	rec, env = s.do(t, http.MethodPost, "/jobs/"+job.ID+"/retry", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "only failed jobs retry")
	assert.Equal(t, "InvalidState", env.Code)
}

func pushBody(t *testing.T, data []byte) gin.H {
	t.Helper()
	var env config.PubSubPushEnvelope
	env.Message.Data = data
	env.Message.MessageId = "msg-1"
	env.Subscription = "projects/p/subscriptions/docflow-jobs"
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var body gin.H
	require.NoError(t, json.Unmarshal(raw, &body))
	return body
}

func TestPubSubPushEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec, _ := s.do(t, http.MethodPost, "/pubsub/jobs", gin.H{"message": "not an object"})
	assert.Equal(t, http.StatusNoContent, rec.Code, "malformed envelope is acked")

	rec, _ = s.do(t, http.MethodPost, "/pubsub/jobs", pushBody(t, []byte(`{"document_id":"d"}`)))
	assert.Equal(t, http.StatusNoContent, rec.Code, "message without job id is acked")

	unknown, err := json.Marshal(config.JobMessage{JobId: "nope"})
	require.NoError(t, err)
	rec, _ = s.do(t, http.MethodPost, "/pubsub/jobs", pushBody(t, unknown))
	assert.Equal(t, http.StatusNoContent, rec.Code, "unknown job is dropped")

	doc := s.createDocument(t)
	job, err := s.h.Engine.SubmitJob(context.Background(), doc.ID)
	require.NoError(t, err)
	msg, err := json.Marshal(config.JobMessage{JobId: job.ID, DocumentId: doc.ID, Attempt: 1})
	require.NoError(t, err)
	rec, _ = s.do(t, http.MethodPost, "/pubsub/jobs", pushBody(t, msg))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	got, err := s.h.Engine.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusNeedsApproval, got.Status)
}

func TestEvidenceExportXLSX(t *testing.T) {
	s := newTestServer(t)
	doc := s.createDocument(t)
	rec, _ := s.do(t, http.MethodPost, "/documents/"+doc.ID+"/extract", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	events, err := s.h.Engine.ListEvidence(context.Background(), doc.ID)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/documents/"+doc.ID+"/evidence?format=xlsx", nil)
	out := httptest.NewRecorder()
	s.router.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code)
	assert.Contains(t, out.Header().Get("Content-Disposition"), "evidence-"+doc.ID+".xlsx")

	f, err := excelize.OpenReader(bytes.NewReader(out.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Evidence")
	require.NoError(t, err)
	require.Len(t, rows, len(events)+1)
	assert.Equal(t, "Action", rows[0][2])
	assert.Equal(t, string(events[0].Action), rows[1][2])

	rec, env := s.do(t, http.MethodGet, "/documents/"+doc.ID+"/evidence?format=csv", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "InvalidInput", env.Code)
}

func multipartUpload(t *testing.T, fileName string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.WriteField("custom_fields", `{"cost_center":"ops"}`))
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, "/documents/upload", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestUploadDownscalesLargeScan(t *testing.T) {
	s := newTestServer(t)
	img := imaging.New(4800, 1200, color.White)
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, multipartUpload(t, "scan.png", buf.Bytes()))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	doc := decode[models.Document](t, env.Data)
	assert.Equal(t, "scan.png", doc.FileName)
	assert.Equal(t, "image/png", doc.MimeType)
	assert.Equal(t, 1, doc.PageCount)
	assert.Equal(t, "ops", doc.CustomFields["cost_center"])
	assert.Contains(t, doc.SourceUri, "gs://test-bucket/documents/")

	stored, _, err := image.Decode(bytes.NewReader(s.objects.only(t)))
	require.NoError(t, err)
	assert.Equal(t, 2400, stored.Bounds().Dx())
	assert.Equal(t, 600, stored.Bounds().Dy())
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, multipartUpload(t, "notes.txt", []byte("just some text")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "InvalidInput", env.Code)
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		kind models.ErrorKind
		want int
	}{
		{models.KindInvalidInput, http.StatusBadRequest},
		{models.KindNotFound, http.StatusNotFound},
		{models.KindInvalidState, http.StatusConflict},
		{models.KindConflict, http.StatusConflict},
		{models.KindAlreadyResolved, http.StatusConflict},
		{models.KindNotBalanced, http.StatusUnprocessableEntity},
		{models.KindStageFailure, http.StatusBadGateway},
		{models.KindTimeout, http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			assert.Equal(t, tc.want, handlers.StatusForError(models.NewError(tc.kind, "op", "x")))
		})
	}
	assert.Equal(t, http.StatusInternalServerError, handlers.StatusForError(assert.AnError))
}
