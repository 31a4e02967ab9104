package models

import (
	"context"
	"errors"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the MySQL/gorm lifecycle store. Every status change is a
// version-checked UPDATE plus its evidence INSERT in one transaction.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) DB() *gorm.DB {
	return r.db
}

// IsDuplicateKeyErr reports MySQL error 1062.
func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func (r *Repository) CreateDocument(ctx context.Context, doc *Document, ev *EvidenceEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(doc).Error; err != nil {
			if IsDuplicateKeyErr(err) {
				return NewError(KindConflict, "CreateDocument", "document %s already exists", doc.ID)
			}
			return err
		}
		return appendEvidenceTx(tx, ev, doc.CreatedAt)
	})
}

func (r *Repository) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("GetDocument", "document", id)
		}
		return nil, err
	}
	return &doc, nil
}

func (r *Repository) UpdateCustomFields(ctx context.Context, id string, expectedVersion int64, fields datatypes.JSONMap, ev *EvidenceEvent, at time.Time) (*Document, error) {
	var out Document
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Document{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(map[string]interface{}{
				"custom_fields": fields,
				"version":       expectedVersion + 1,
				"updated_at":    at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return documentWriteConflict(tx, "UpdateCustomFields", id, "")
		}
		if err := appendEvidenceTx(tx, ev, at); err != nil {
			return err
		}
		return tx.Where("id = ?", id).First(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Repository) TransitionDocument(ctx context.Context, t DocumentTransition) (*Document, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	var out *Document
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := applyTransitionTx(tx, t)
		out = doc
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func applyTransitionTx(tx *gorm.DB, t DocumentTransition) (*Document, error) {
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}
	if t.Changes.Extraction != nil {
		if err := tx.Create(t.Changes.Extraction).Error; err != nil {
			return nil, err
		}
	}
	if t.Changes.Proposal != nil {
		if err := tx.Create(t.Changes.Proposal).Error; err != nil {
			return nil, err
		}
	}
	res := tx.Model(&Document{}).
		Where("id = ? AND version = ? AND status = ?", t.DocumentID, t.ExpectedVersion, t.From).
		Updates(t.UpdateColumns())
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, documentWriteConflict(tx, "TransitionDocument", t.DocumentID, t.From)
	}
	if err := appendEvidenceTx(tx, t.Event, t.At); err != nil {
		return nil, err
	}
	var doc Document
	if err := tx.Where("id = ?", t.DocumentID).First(&doc).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

// documentWriteConflict explains a zero-row conditional update.
func documentWriteConflict(tx *gorm.DB, op string, id string, expected DocumentStatus) error {
	var doc Document
	if err := tx.Where("id = ?", id).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NotFound(op, "document", id)
		}
		return err
	}
	if expected != "" && doc.Status != expected {
		return NewError(KindInvalidState, op, "document %s is %s, expected %s", id, doc.Status, expected)
	}
	return NewError(KindConflict, op, "document %s was modified concurrently (version %d)", id, doc.Version)
}

// appendEvidenceTx clamps the timestamp to the document's latest event so replay never goes backwards.
func appendEvidenceTx(tx *gorm.DB, ev *EvidenceEvent, at time.Time) error {
	if ev == nil {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = at
	}
	var last EvidenceEvent
	err := tx.Where("document_id = ?", ev.DocumentId).
		Order("timestamp DESC, seq DESC").
		Limit(1).
		Find(&last).Error
	if err != nil {
		return err
	}
	if last.Seq != 0 && ev.Timestamp.Before(last.Timestamp) {
		ev.Timestamp = last.Timestamp
	}
	return tx.Create(ev).Error
}

func (r *Repository) AppendEvidence(ctx context.Context, ev *EvidenceEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return appendEvidenceTx(tx, ev, time.Now().UTC())
	})
}

func (r *Repository) ListEvidence(ctx context.Context, documentID string) ([]EvidenceEvent, error) {
	var events []EvidenceEvent
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("timestamp ASC, seq ASC").
		Find(&events).Error
	return events, err
}

func (r *Repository) GetExtraction(ctx context.Context, id string) (*Extraction, error) {
	var e Extraction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("GetExtraction", "extraction", id)
		}
		return nil, err
	}
	return &e, nil
}

func (r *Repository) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	var p Proposal
	err := r.db.WithContext(ctx).
		Preload("Entries", func(db *gorm.DB) *gorm.DB { return db.Order("line_no ASC") }).
		Where("id = ?", id).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("GetProposal", "proposal", id)
		}
		return nil, err
	}
	return &p, nil
}

// UpdateProposalMapping writes ledger account ids by line number.
// A proposal referenced by an approval is immutable.
func (r *Repository) UpdateProposalMapping(ctx context.Context, proposalID string, mapping ProposalMapping) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var referenced int64
		if err := tx.Model(&Approval{}).Where("proposal_id = ?", proposalID).Count(&referenced).Error; err != nil {
			return err
		}
		if referenced > 0 {
			return NewError(KindInvalidState, "UpdateProposalMapping", "proposal %s is referenced by an approval", proposalID)
		}
		for lineNo, accountID := range mapping {
			err := tx.Model(&ProposalEntry{}).
				Where("proposal_id = ? AND line_no = ?", proposalID, lineNo).
				Update("ledger_account_id", accountID).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// SubmitApproval inserts the pending approval and moves the document in one transaction.
// A second open approval for the document fails on the open_key unique index.
func (r *Repository) SubmitApproval(ctx context.Context, a *Approval, t DocumentTransition) (*Document, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	var out *Document
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(a).Error; err != nil {
			if IsDuplicateKeyErr(err) {
				return NewError(KindConflict, "SubmitApproval", "document %s already has an open approval", a.DocumentId)
			}
			return err
		}
		doc, err := applyTransitionTx(tx, t)
		out = doc
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveApproval is the compare-and-set pending -> approved|rejected together with the document transition.
func (r *Repository) ResolveApproval(ctx context.Context, res ApprovalResolution, t DocumentTransition) (*Approval, *Document, error) {
	if err := t.Validate(); err != nil {
		return nil, nil, err
	}
	var (
		approval Approval
		doc      *Document
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upd := tx.Model(&Approval{}).
			Where("id = ? AND status = ?", res.ApprovalID, ApprovalStatusPending).
			Updates(res.UpdateColumns())
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			var existing Approval
			if err := tx.Where("id = ?", res.ApprovalID).First(&existing).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return NotFound("ResolveApproval", "approval", res.ApprovalID)
				}
				return err
			}
			return NewError(KindAlreadyResolved, "ResolveApproval", "approval %s is already %s", res.ApprovalID, existing.Status)
		}
		var err error
		doc, err = applyTransitionTx(tx, t)
		if err != nil {
			return err
		}
		return tx.Where("id = ?", res.ApprovalID).First(&approval).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &approval, doc, nil
}

func (r *Repository) GetApproval(ctx context.Context, id string) (*Approval, error) {
	var a Approval
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("GetApproval", "approval", id)
		}
		return nil, err
	}
	return &a, nil
}

// FindOpenApproval returns (nil, nil) when the document has no pending approval.
func (r *Repository) FindOpenApproval(ctx context.Context, documentID string) (*Approval, error) {
	var rows []Approval
	err := r.db.WithContext(ctx).
		Where("document_id = ? AND status = ?", documentID, ApprovalStatusPending).
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// ListApprovals pages newest first. With AsOf set, rows newer than the snapshot key are excluded.
func (r *Repository) ListApprovals(ctx context.Context, f ApprovalFilter) (ApprovalPage, error) {
	f = f.Normalize()
	q := r.db.WithContext(ctx).Model(&Approval{})
	if f.Status != nil {
		q = q.Where("status = ?", *f.Status)
	}
	if f.DocumentId != "" {
		q = q.Where("document_id = ?", f.DocumentId)
	}
	if f.AsOf != nil {
		q = q.Where("(created_at < ?) OR (created_at = ? AND id <= ?)", f.AsOf.CreatedAt, f.AsOf.CreatedAt, f.AsOf.ID)
	}
	var rows []Approval
	err := q.Order("created_at DESC").Order("id DESC").
		Offset(f.Offset).
		Limit(f.Limit + 1).
		Find(&rows).Error
	if err != nil {
		return ApprovalPage{}, err
	}
	return NewApprovalPage(rows, f, f.AsOf), nil
}

// CreateJob fails with Conflict when the document already has an active job.
func (r *Repository) CreateJob(ctx context.Context, j *Job, ev *EvidenceEvent) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(j).Error; err != nil {
			if IsDuplicateKeyErr(err) {
				return NewError(KindConflict, "CreateJob", "document %s already has an active job", j.DocumentId)
			}
			return err
		}
		return appendEvidenceTx(tx, ev, j.CreatedAt)
	})
}

func (r *Repository) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NotFound("GetJob", "job", id)
		}
		return nil, err
	}
	return &j, nil
}

func (r *Repository) UpdateJob(ctx context.Context, u JobUpdate) (*Job, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	var out Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Job{}).
			Where("id = ? AND version = ? AND status = ?", u.JobID, u.ExpectedVersion, u.From).
			Updates(u.UpdateColumns())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var existing Job
			if err := tx.Where("id = ?", u.JobID).First(&existing).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return NotFound("UpdateJob", "job", u.JobID)
				}
				return err
			}
			if existing.Status != u.From {
				return NewError(KindInvalidState, "UpdateJob", "job %s is %s, expected %s", u.JobID, existing.Status, u.From)
			}
			return NewError(KindConflict, "UpdateJob", "job %s was modified concurrently (version %d)", u.JobID, existing.Version)
		}
		return tx.Where("id = ?", u.JobID).First(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *Repository) ListJobs(ctx context.Context, documentID string) ([]Job, error) {
	var jobs []Job
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at DESC").
		Find(&jobs).Error
	return jobs, err
}

// ClaimStaleJobs selects running jobs not updated since olderThan with FOR UPDATE SKIP LOCKED
// and touches updated_at so concurrent sweepers skip them. Version is left unchanged.
func (r *Repository) ClaimStaleJobs(ctx context.Context, olderThan time.Time, limit int, now time.Time) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobs []Job
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status NOT IN ? AND updated_at < ?", []JobStatus{JobStatusCompleted, JobStatusFailed, JobStatusNeedsApproval}, olderThan).
			Order("updated_at ASC").
			Limit(limit).
			Find(&jobs).Error
		if err != nil || len(jobs) == 0 {
			return err
		}
		ids := make([]string, 0, len(jobs))
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		return tx.Model(&Job{}).Where("id IN ?", ids).UpdateColumn("updated_at", now).Error
	})
	return jobs, err
}

// FindDuplicatePostedDocument returns the id of another posted document whose extracted field matches value.
func (r *Repository) FindDuplicatePostedDocument(ctx context.Context, excludeID string, field string, value string) (*string, error) {
	var rows []Document
	err := r.db.WithContext(ctx).
		Select("id").
		Where("id <> ? AND status = ?", excludeID, DocumentStatusPosted).
		Where(datatypes.JSONQuery("extracted_fields").Equals(value, field)).
		Order("created_at ASC").
		Limit(1).
		Find(&rows).Error
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	id := rows[0].ID
	return &id, nil
}
