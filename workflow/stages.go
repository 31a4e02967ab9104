package workflow

import (
	"context"

	"github.com/mmdatafocus/docflow_backend/models"
)

// Extractor turns a document's file into a flat field map.
type Extractor interface {
	Extract(ctx context.Context, doc *models.Document) (*models.ExtractionResult, error)
}

// Reasoner drafts double-entry lines from extracted fields.
type Reasoner interface {
	Propose(ctx context.Context, doc *models.Document) (*models.ProposalDraft, error)
}

type PolicyEvaluator interface {
	Evaluate(ctx context.Context, p *models.Proposal, doc *models.Document) (models.PolicyDecision, error)
}

// AccountMapper resolves proposal account names to ledger account ids, keyed by line number.
type AccountMapper interface {
	Map(ctx context.Context, p *models.Proposal) (models.ProposalMapping, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, doc *models.Document, p *models.Proposal) (*models.ReconcileResult, error)
}

// LedgerPoster writes the approved proposal to the ledger and returns the entry id.
// Posting the same ApprovalId twice must return the first entry id.
type LedgerPoster interface {
	Post(ctx context.Context, req models.LedgerPostRequest) (string, error)
}

// Stages bundles the external collaborators. Nil Policy, Mapper and Reconciler are skipped.
type Stages struct {
	Extractor  Extractor
	Reasoner   Reasoner
	Policy     PolicyEvaluator
	Mapper     AccountMapper
	Reconciler Reconciler
	Ledger     LedgerPoster
}
