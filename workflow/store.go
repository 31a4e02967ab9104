package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/docflow_backend/models"
	"gorm.io/datatypes"
)

// Store is the persistence the engine needs. models.Repository is the MySQL implementation;
// workflowtest.MemStore is the in-memory one.
// Every status write is a compare-and-set on (version, status) and appends its evidence
// in the same transaction.
type Store interface {
	CreateDocument(ctx context.Context, doc *models.Document, ev *models.EvidenceEvent) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	UpdateCustomFields(ctx context.Context, id string, expectedVersion int64, fields datatypes.JSONMap, ev *models.EvidenceEvent, at time.Time) (*models.Document, error)
	TransitionDocument(ctx context.Context, t models.DocumentTransition) (*models.Document, error)

	GetExtraction(ctx context.Context, id string) (*models.Extraction, error)
	GetProposal(ctx context.Context, id string) (*models.Proposal, error)
	UpdateProposalMapping(ctx context.Context, proposalID string, mapping models.ProposalMapping) error

	SubmitApproval(ctx context.Context, a *models.Approval, t models.DocumentTransition) (*models.Document, error)
	ResolveApproval(ctx context.Context, res models.ApprovalResolution, t models.DocumentTransition) (*models.Approval, *models.Document, error)
	GetApproval(ctx context.Context, id string) (*models.Approval, error)
	// FindOpenApproval returns nil, nil when the document has no pending approval.
	FindOpenApproval(ctx context.Context, documentID string) (*models.Approval, error)
	ListApprovals(ctx context.Context, f models.ApprovalFilter) (models.ApprovalPage, error)

	AppendEvidence(ctx context.Context, ev *models.EvidenceEvent) error
	ListEvidence(ctx context.Context, documentID string) ([]models.EvidenceEvent, error)

	CreateJob(ctx context.Context, j *models.Job, ev *models.EvidenceEvent) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	UpdateJob(ctx context.Context, u models.JobUpdate) (*models.Job, error)
	ListJobs(ctx context.Context, documentID string) ([]models.Job, error)
	ClaimStaleJobs(ctx context.Context, olderThan time.Time, limit int, now time.Time) ([]models.Job, error)

	FindDuplicatePostedDocument(ctx context.Context, excludeID string, field string, value string) (*string, error)
}

var _ Store = (*models.Repository)(nil)
