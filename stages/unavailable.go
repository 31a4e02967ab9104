package stages

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/docflow_backend/models"
)

// Unavailable stands in for a collaborator that could not be configured at startup,
// e.g. Vertex AI without a project. Every call fails as a stage failure.
type Unavailable struct {
	Name  string
	Cause error
}

func (u Unavailable) err() error {
	return models.WrapError(models.KindStageFailure, u.Name, u.Cause, "%s is not configured", u.Name)
}

func (u Unavailable) Extract(ctx context.Context, doc *models.Document) (*models.ExtractionResult, error) {
	return nil, u.err()
}

func (u Unavailable) Propose(ctx context.Context, doc *models.Document) (*models.ProposalDraft, error) {
	return nil, u.err()
}

func (u Unavailable) Post(ctx context.Context, req models.LedgerPostRequest) (string, error) {
	return "", u.err()
}

func (u Unavailable) String() string {
	return fmt.Sprintf("unavailable(%s)", u.Name)
}
