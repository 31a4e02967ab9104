// Package workflowtest provides an in-memory Store and scripted stage collaborators
// for exercising the workflow engine without MySQL or external services.
package workflowtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmdatafocus/docflow_backend/models"
	"gorm.io/datatypes"
)

// MemStore mirrors models.Repository: every write is a compare-and-set and appends its evidence atomically.
type MemStore struct {
	mu          sync.Mutex
	docs        map[string]*models.Document
	extractions map[string]*models.Extraction
	proposals   map[string]*models.Proposal
	approvals   map[string]*models.Approval
	jobs        map[string]*models.Job
	evidence    []models.EvidenceEvent
	seq         int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		docs:        map[string]*models.Document{},
		extractions: map[string]*models.Extraction{},
		proposals:   map[string]*models.Proposal{},
		approvals:   map[string]*models.Approval{},
		jobs:        map[string]*models.Job{},
	}
}

func cloneDoc(d *models.Document) *models.Document {
	c := *d
	c.ExtractedFields = models.CloneJSONMap(d.ExtractedFields)
	c.CustomFields = models.CloneJSONMap(d.CustomFields)
	return &c
}

func cloneProposal(p *models.Proposal) *models.Proposal {
	c := *p
	c.Entries = make([]models.ProposalEntry, len(p.Entries))
	copy(c.Entries, p.Entries)
	return &c
}

func (s *MemStore) CreateDocument(ctx context.Context, doc *models.Document, ev *models.EvidenceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return models.NewError(models.KindConflict, "CreateDocument", "document %s already exists", doc.ID)
	}
	s.docs[doc.ID] = cloneDoc(doc)
	s.appendLocked(ev, doc.CreatedAt)
	return nil
}

func (s *MemStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, models.NotFound("GetDocument", "document", id)
	}
	return cloneDoc(d), nil
}

func (s *MemStore) UpdateCustomFields(ctx context.Context, id string, expectedVersion int64, fields datatypes.JSONMap, ev *models.EvidenceEvent, at time.Time) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, models.NotFound("UpdateCustomFields", "document", id)
	}
	if d.Version != expectedVersion {
		return nil, models.NewError(models.KindConflict, "UpdateCustomFields", "document %s was modified concurrently (version %d)", id, d.Version)
	}
	d.CustomFields = models.CloneJSONMap(fields)
	d.Version++
	d.UpdatedAt = at
	s.appendLocked(ev, at)
	return cloneDoc(d), nil
}

func (s *MemStore) TransitionDocument(ctx context.Context, t models.DocumentTransition) (*models.Document, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.transitionLocked("TransitionDocument", t)
	if err != nil {
		return nil, err
	}
	return cloneDoc(d), nil
}

func (s *MemStore) transitionLocked(op string, t models.DocumentTransition) (*models.Document, error) {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	d, ok := s.docs[t.DocumentID]
	if !ok {
		return nil, models.NotFound(op, "document", t.DocumentID)
	}
	if d.Status != t.From {
		return nil, models.NewError(models.KindInvalidState, op, "document %s is %s, expected %s", d.ID, d.Status, t.From)
	}
	if d.Version != t.ExpectedVersion {
		return nil, models.NewError(models.KindConflict, op, "document %s was modified concurrently (version %d)", d.ID, d.Version)
	}
	if x := t.Changes.Extraction; x != nil {
		c := *x
		c.Fields = models.CloneJSONMap(x.Fields)
		s.extractions[c.ID] = &c
	}
	if p := t.Changes.Proposal; p != nil {
		s.proposals[p.ID] = cloneProposal(p)
	}
	t.Apply(d)
	s.appendLocked(t.Event, t.At)
	return d, nil
}

func (s *MemStore) appendLocked(ev *models.EvidenceEvent, at time.Time) {
	if ev == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = at
	}
	for i := len(s.evidence) - 1; i >= 0; i-- {
		if s.evidence[i].DocumentId == ev.DocumentId {
			if ev.Timestamp.Before(s.evidence[i].Timestamp) {
				ev.Timestamp = s.evidence[i].Timestamp
			}
			break
		}
	}
	s.seq++
	ev.Seq = s.seq
	s.evidence = append(s.evidence, *ev)
}

func (s *MemStore) GetExtraction(ctx context.Context, id string) (*models.Extraction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	x, ok := s.extractions[id]
	if !ok {
		return nil, models.NotFound("GetExtraction", "extraction", id)
	}
	c := *x
	return &c, nil
}

func (s *MemStore) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, models.NotFound("GetProposal", "proposal", id)
	}
	return cloneProposal(p), nil
}

func (s *MemStore) UpdateProposalMapping(ctx context.Context, proposalID string, mapping models.ProposalMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[proposalID]
	if !ok {
		return models.NotFound("UpdateProposalMapping", "proposal", proposalID)
	}
	for _, a := range s.approvals {
		if a.ProposalId == proposalID {
			return models.NewError(models.KindInvalidState, "UpdateProposalMapping", "proposal %s is referenced by an approval", proposalID)
		}
	}
	for i := range p.Entries {
		if id, ok := mapping[p.Entries[i].LineNo]; ok {
			v := id
			p.Entries[i].LedgerAccountId = &v
		}
	}
	return nil
}

func (s *MemStore) SubmitApproval(ctx context.Context, a *models.Approval, t models.DocumentTransition) (*models.Document, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.approvals {
		if existing.OpenKey != nil && a.OpenKey != nil && *existing.OpenKey == *a.OpenKey {
			return nil, models.NewError(models.KindConflict, "SubmitApproval", "document %s already has an open approval", a.DocumentId)
		}
	}
	d, err := s.transitionLocked("SubmitApproval", t)
	if err != nil {
		return nil, err
	}
	c := *a
	s.approvals[a.ID] = &c
	return cloneDoc(d), nil
}

func (s *MemStore) ResolveApproval(ctx context.Context, res models.ApprovalResolution, t models.DocumentTransition) (*models.Approval, *models.Document, error) {
	if err := t.Validate(); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[res.ApprovalID]
	if !ok {
		return nil, nil, models.NotFound("ResolveApproval", "approval", res.ApprovalID)
	}
	if a.Status != models.ApprovalStatusPending {
		return nil, nil, models.NewError(models.KindAlreadyResolved, "ResolveApproval", "approval %s is already %s", a.ID, a.Status)
	}
	d, err := s.transitionLocked("ResolveApproval", t)
	if err != nil {
		return nil, nil, err
	}
	res.Apply(a)
	c := *a
	return &c, cloneDoc(d), nil
}

func (s *MemStore) GetApproval(ctx context.Context, id string) (*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return nil, models.NotFound("GetApproval", "approval", id)
	}
	c := *a
	return &c, nil
}

func (s *MemStore) FindOpenApproval(ctx context.Context, documentID string) (*models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.approvals {
		if a.DocumentId == documentID && a.Status == models.ApprovalStatusPending {
			c := *a
			return &c, nil
		}
	}
	return nil, nil
}

func (s *MemStore) ListApprovals(ctx context.Context, f models.ApprovalFilter) (models.ApprovalPage, error) {
	f = f.Normalize()
	s.mu.Lock()
	rows := make([]models.Approval, 0, len(s.approvals))
	for _, a := range s.approvals {
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.DocumentId != "" && a.DocumentId != f.DocumentId {
			continue
		}
		if f.AsOf != nil && !f.AsOf.Includes(a) {
			continue
		}
		rows = append(rows, *a)
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})
	if f.Offset >= len(rows) {
		rows = nil
	} else {
		rows = rows[f.Offset:]
	}
	if len(rows) > f.Limit+1 {
		rows = rows[:f.Limit+1]
	}
	return models.NewApprovalPage(rows, f, f.AsOf), nil
}

func (s *MemStore) AppendEvidence(ctx context.Context, ev *models.EvidenceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(ev, time.Now().UTC())
	return nil
}

func (s *MemStore) ListEvidence(ctx context.Context, documentID string) ([]models.EvidenceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EvidenceEvent
	for _, ev := range s.evidence {
		if ev.DocumentId == documentID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return models.EvidenceLess(&out[i], &out[j]) })
	return out, nil
}

func (s *MemStore) CreateJob(ctx context.Context, j *models.Job, ev *models.EvidenceEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ActiveKey != nil {
		for _, existing := range s.jobs {
			if existing.ActiveKey != nil && *existing.ActiveKey == *j.ActiveKey {
				return models.NewError(models.KindConflict, "CreateJob", "document %s already has an active job", j.DocumentId)
			}
		}
	}
	c := *j
	s.jobs[j.ID] = &c
	s.appendLocked(ev, j.CreatedAt)
	return nil
}

func (s *MemStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, models.NotFound("GetJob", "job", id)
	}
	c := *j
	return &c, nil
}

func (s *MemStore) UpdateJob(ctx context.Context, u models.JobUpdate) (*models.Job, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[u.JobID]
	if !ok {
		return nil, models.NotFound("UpdateJob", "job", u.JobID)
	}
	if j.Status != u.From {
		return nil, models.NewError(models.KindInvalidState, "UpdateJob", "job %s is %s, expected %s", j.ID, j.Status, u.From)
	}
	if j.Version != u.ExpectedVersion {
		return nil, models.NewError(models.KindConflict, "UpdateJob", "job %s was modified concurrently (version %d)", j.ID, j.Version)
	}
	u.Apply(j)
	c := *j
	return &c, nil
}

func (s *MemStore) ListJobs(ctx context.Context, documentID string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, j := range s.jobs {
		if j.DocumentId == documentID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

func (s *MemStore) ClaimStaleJobs(ctx context.Context, olderThan time.Time, limit int, now time.Time) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []*models.Job
	for _, j := range s.jobs {
		if j.Status.StopsPolling() || !j.UpdatedAt.Before(olderThan) {
			continue
		}
		stale = append(stale, j)
	}
	sort.Slice(stale, func(i, k int) bool { return stale[i].UpdatedAt.Before(stale[k].UpdatedAt) })
	if len(stale) > limit {
		stale = stale[:limit]
	}
	out := make([]models.Job, 0, len(stale))
	for _, j := range stale {
		out = append(out, *j)
		j.UpdatedAt = now
	}
	return out, nil
}

func (s *MemStore) FindDuplicatePostedDocument(ctx context.Context, excludeID string, field string, value string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var match *models.Document
	for _, d := range s.docs {
		if d.ID == excludeID || d.Status != models.DocumentStatusPosted {
			continue
		}
		if v, ok := d.ExtractedFields[field]; ok && v == value {
			if match == nil || d.CreatedAt.Before(match.CreatedAt) {
				match = d
			}
		}
	}
	if match == nil {
		return nil, nil
	}
	id := match.ID
	return &id, nil
}

// SetDocumentUpdatedAt backdates a document, e.g. to simulate an abandoned stage run.
func (s *MemStore) SetDocumentUpdatedAt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[id]; ok {
		d.UpdatedAt = at
	}
}

// SetJobUpdatedAt backdates a job so the sweeper treats it as stale.
func (s *MemStore) SetJobUpdatedAt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.UpdatedAt = at
	}
}

// ForceJobStatus puts a job in an arbitrary status without evidence, e.g. to simulate a crash mid-step.
func (s *MemStore) ForceJobStatus(id string, status models.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = status
		j.Version++
	}
}
