package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmdatafocus/docflow_backend/models"
)

// DuplicateFinder is satisfied by models.Repository.
type DuplicateFinder interface {
	FindDuplicatePostedDocument(ctx context.Context, excludeID string, field string, value string) (*string, error)
}

// DuplicateReconciler flags a document whose identifying fields match an already posted one.
type DuplicateReconciler struct {
	Finder DuplicateFinder
	// Fields are checked in order; the first match is reported. Default: invoice_number.
	Fields []string
}

func NewDuplicateReconciler(finder DuplicateFinder, fields ...string) *DuplicateReconciler {
	if len(fields) == 0 {
		fields = []string{"invoice_number"}
	}
	return &DuplicateReconciler{Finder: finder, Fields: fields}
}

func (r *DuplicateReconciler) Reconcile(ctx context.Context, doc *models.Document, p *models.Proposal) (*models.ReconcileResult, error) {
	for _, field := range r.Fields {
		value, ok := doc.ExtractedFields[field].(string)
		value = strings.TrimSpace(value)
		if !ok || value == "" {
			continue
		}
		dup, err := r.Finder.FindDuplicatePostedDocument(ctx, doc.ID, field, value)
		if err != nil {
			return nil, fmt.Errorf("find duplicate by %s: %w", field, err)
		}
		if dup != nil {
			return &models.ReconcileResult{
				DuplicateOfDocumentId: dup,
				Reason:                fmt.Sprintf("%s %q already posted on document %s", field, value, *dup),
			}, nil
		}
	}
	return &models.ReconcileResult{}, nil
}
