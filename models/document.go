package models

import (
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Document is a submitted file moving through the pipeline.
// Status changes only through DocumentTransition; Version increments on every write.
type Document struct {
	ID        string         `gorm:"primaryKey;size:36" json:"id"`
	FileName  string         `gorm:"size:255" json:"file_name"`
	SourceUri string         `gorm:"size:1024" json:"source_uri"`
	MimeType  string         `gorm:"size:100" json:"mime_type"`
	PageCount int            `gorm:"default:0" json:"page_count"`
	Status    DocumentStatus `gorm:"size:32;not null;index" json:"status"`
	// StageOrigin is the status to revert to while extracting/proposing.
	StageOrigin      *DocumentStatus   `gorm:"size:32" json:"stage_origin,omitempty"`
	ExtractedFields  datatypes.JSONMap `gorm:"type:json" json:"extracted_fields"`
	CustomFields     datatypes.JSONMap `gorm:"type:json" json:"custom_fields"`
	ExtractionId     *string           `gorm:"size:36" json:"extraction_id"`
	ActiveProposalId *string           `gorm:"size:36" json:"active_proposal_id"`
	ApprovalId       *string           `gorm:"size:36" json:"approval_id"`
	LedgerEntryId    *string           `gorm:"size:64" json:"ledger_entry_id"`
	// Failure overlay; status stays at the last good status.
	LastError   *string   `gorm:"type:text" json:"last_error"`
	FailedStage *string   `gorm:"size:32" json:"failed_stage"`
	Version     int64     `gorm:"not null;default:1" json:"version"`
	CreatedBy   string    `gorm:"size:255" json:"created_by"`
	CreatedAt   time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time `gorm:"not null;index" json:"updated_at"`
}

type NewDocument struct {
	FileName     string         `json:"file_name" binding:"required,max=255"`
	SourceUri    string         `json:"source_uri" binding:"required,gsuri"`
	MimeType     string         `json:"mime_type" binding:"omitempty,max=100"`
	PageCount    int            `json:"page_count" binding:"omitempty,min=0"`
	CustomFields map[string]any `json:"custom_fields"`
}

func (d *Document) HasExtractedFields() bool {
	return d != nil && len(d.ExtractedFields) > 0
}

func (d *Document) IsFailed() bool {
	return d != nil && d.LastError != nil
}

// DocumentChanges are applied together with a status change, in the same transaction.
type DocumentChanges struct {
	ExtractedFields datatypes.JSONMap
	ExtractionId    *string
	// Extraction and Proposal are inserted in the same transaction.
	Extraction          *Extraction
	Proposal            *Proposal
	ActiveProposalId    *string
	ClearActiveProposal bool
	ApprovalId          *string
	LedgerEntryId       *string
	StageOrigin         *DocumentStatus
	ClearStageOrigin    bool
	LastError           *string
	FailedStage         *string
}

// DocumentTransition is a version-checked status change plus its evidence event.
// From == To is only legal for failure records, which set LastError.
type DocumentTransition struct {
	DocumentID      string
	ExpectedVersion int64
	From            DocumentStatus
	To              DocumentStatus
	Changes         DocumentChanges
	Event           *EvidenceEvent
	At              time.Time
}

func (t DocumentTransition) IsFailureRecord() bool {
	return t.Changes.LastError != nil
}

// Validate checks the edge against the transition table.
func (t DocumentTransition) Validate() error {
	if t.From == t.To {
		if t.IsFailureRecord() {
			return nil
		}
		return NewError(KindInvalidState, "DocumentTransition", "self transition %s -> %s", t.From, t.To)
	}
	if !t.From.CanTransitionTo(t.To) {
		return NewError(KindInvalidState, "DocumentTransition", "illegal transition %s -> %s", t.From, t.To)
	}
	return nil
}

// Apply mutates d as the store would. Used by in-memory stores and tests.
// A successful (non-failure) transition clears the failure overlay.
func (t DocumentTransition) Apply(d *Document) {
	c := t.Changes
	d.Status = t.To
	if c.ExtractedFields != nil {
		d.ExtractedFields = c.ExtractedFields
	}
	if c.ExtractionId != nil {
		d.ExtractionId = c.ExtractionId
	}
	if c.ClearActiveProposal {
		d.ActiveProposalId = nil
	}
	if c.ActiveProposalId != nil {
		d.ActiveProposalId = c.ActiveProposalId
	}
	if c.ApprovalId != nil {
		d.ApprovalId = c.ApprovalId
	}
	if c.LedgerEntryId != nil {
		d.LedgerEntryId = c.LedgerEntryId
	}
	if c.ClearStageOrigin {
		d.StageOrigin = nil
	}
	if c.StageOrigin != nil {
		d.StageOrigin = c.StageOrigin
	}
	if t.IsFailureRecord() {
		d.LastError = c.LastError
		d.FailedStage = c.FailedStage
	} else {
		d.LastError = nil
		d.FailedStage = nil
	}
	d.Version = t.ExpectedVersion + 1
	if !t.At.IsZero() {
		d.UpdatedAt = t.At
	}
}

// UpdateColumns is the gorm column map for Apply.
func (t DocumentTransition) UpdateColumns() map[string]interface{} {
	c := t.Changes
	cols := map[string]interface{}{
		"status":     t.To,
		"version":    t.ExpectedVersion + 1,
		"updated_at": t.At,
	}
	if c.ExtractedFields != nil {
		cols["extracted_fields"] = c.ExtractedFields
	}
	if c.ExtractionId != nil {
		cols["extraction_id"] = *c.ExtractionId
	}
	if c.ClearActiveProposal {
		cols["active_proposal_id"] = nil
	}
	if c.ActiveProposalId != nil {
		cols["active_proposal_id"] = *c.ActiveProposalId
	}
	if c.ApprovalId != nil {
		cols["approval_id"] = *c.ApprovalId
	}
	if c.LedgerEntryId != nil {
		cols["ledger_entry_id"] = *c.LedgerEntryId
	}
	if c.ClearStageOrigin {
		cols["stage_origin"] = nil
	}
	if c.StageOrigin != nil {
		cols["stage_origin"] = *c.StageOrigin
	}
	if t.IsFailureRecord() {
		cols["last_error"] = *c.LastError
		cols["failed_stage"] = c.FailedStage
	} else {
		cols["last_error"] = nil
		cols["failed_stage"] = nil
	}
	return cols
}

// SortedKeys is used for evidence summaries so payloads are deterministic.
func SortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NormalizeFieldMap trims keys and drops empty ones.
func NormalizeFieldMap(in map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	for k, v := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

// CloneJSONMap copies the top level of m.
func CloneJSONMap(m datatypes.JSONMap) datatypes.JSONMap {
	if m == nil {
		return nil
	}
	out := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
