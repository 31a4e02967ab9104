package models

import "time"

// Approval is the human review record for one proposal.
// OpenKey carries the document id while pending so a second open approval hits the unique index.
type Approval struct {
	ID           string         `gorm:"primaryKey;size:36;index:idx_approvals_created,priority:2" json:"id"`
	DocumentId   string         `gorm:"size:36;not null;index" json:"document_id"`
	ProposalId   string         `gorm:"size:36;not null" json:"proposal_id"`
	JobId        *string        `gorm:"size:36" json:"job_id"`
	Status       ApprovalStatus `gorm:"size:16;not null;index" json:"status"`
	OpenKey      *string        `gorm:"size:36;uniqueIndex" json:"-"`
	SubmittedBy  string         `gorm:"size:255" json:"submitted_by"`
	Reviewer     *string        `gorm:"size:255" json:"reviewer"`
	ReviewerNote *string        `gorm:"type:text" json:"reviewer_note"`
	ResolvedAt   *time.Time     `json:"resolved_at"`
	CreatedAt    time.Time      `gorm:"not null;index:idx_approvals_created,priority:1" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

// ApprovalResolution is a compare-and-set of pending -> To.
type ApprovalResolution struct {
	ApprovalID string
	To         ApprovalStatus
	Reviewer   string
	Note       string
	At         time.Time
}

func (r ApprovalResolution) Apply(a *Approval) {
	reviewer := r.Reviewer
	at := r.At
	a.Status = r.To
	a.OpenKey = nil
	a.Reviewer = &reviewer
	if r.Note != "" {
		note := r.Note
		a.ReviewerNote = &note
	}
	a.ResolvedAt = &at
	a.UpdatedAt = at
}

func (r ApprovalResolution) UpdateColumns() map[string]interface{} {
	cols := map[string]interface{}{
		"status":      r.To,
		"open_key":    nil,
		"reviewer":    r.Reviewer,
		"resolved_at": r.At,
		"updated_at":  r.At,
	}
	if r.Note != "" {
		cols["reviewer_note"] = r.Note
	}
	return cols
}

type ApprovalFilter struct {
	Status     *ApprovalStatus
	DocumentId string
	// AsOf pins the ordering key of the first page so later inserts do not shift offsets.
	AsOf   *ApprovalCursor
	Limit  int
	Offset int
}

// ApprovalCursor is the (created_at, id) ordering key. Listing is newest first.
type ApprovalCursor struct {
	CreatedAt time.Time
	ID        string
}

// Includes reports whether a is at or older than the snapshot key.
func (c ApprovalCursor) Includes(a *Approval) bool {
	if a.CreatedAt.Before(c.CreatedAt) {
		return true
	}
	return a.CreatedAt.Equal(c.CreatedAt) && a.ID <= c.ID
}

type ApprovalPage struct {
	Items      []Approval `json:"items"`
	AsOf       string     `json:"as_of,omitempty"`
	Limit      int        `json:"limit"`
	Offset     int        `json:"offset"`
	NextOffset *int       `json:"next_offset"`
	HasNext    bool       `json:"has_next"`
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Normalize clamps limit/offset.
func (f ApprovalFilter) Normalize() ApprovalFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// NewApprovalPage builds a page from up to limit+1 rows fetched at offset.
// snapshot is the as_of key used for the query, or the first row's key on a fresh listing.
func NewApprovalPage(rows []Approval, f ApprovalFilter, snapshot *ApprovalCursor) ApprovalPage {
	page := ApprovalPage{Limit: f.Limit, Offset: f.Offset}
	if len(rows) > f.Limit {
		page.HasNext = true
		rows = rows[:f.Limit]
		next := f.Offset + f.Limit
		page.NextOffset = &next
	}
	if rows == nil {
		rows = []Approval{}
	}
	page.Items = rows
	if snapshot == nil && len(rows) > 0 && f.Offset == 0 {
		snapshot = &ApprovalCursor{CreatedAt: rows[0].CreatedAt, ID: rows[0].ID}
	}
	if snapshot != nil {
		page.AsOf = EncodeApprovalCursor(*snapshot)
	}
	return page
}
