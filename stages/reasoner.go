package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/mmdatafocus/docflow_backend/models"
	"gorm.io/gorm"
)

// AccountLister supplies the chart of accounts quoted in the reasoning prompt.
type AccountLister interface {
	ListAccounts(ctx context.Context) ([]models.LedgerAccount, error)
}

// VertexReasoner drafts journal lines from the extracted and custom fields.
type VertexReasoner struct {
	Model        ContentGenerator
	ModelName    string
	Accounts     AccountLister
	CurrencyCode string
	CurrencyExp  int32
}

type draftResponse struct {
	Entries []struct {
		Account     string `json:"account"`
		Debit       any    `json:"debit"`
		Credit      any    `json:"credit"`
		Description string `json:"description"`
	} `json:"entries"`
	AiConfidence json.Number `json:"ai_confidence"`
	Currency     string      `json:"currency"`
	Rationale    string      `json:"rationale"`
}

func (r *VertexReasoner) Propose(ctx context.Context, doc *models.Document) (*models.ProposalDraft, error) {
	prompt, err := r.prompt(ctx, doc)
	if err != nil {
		return nil, err
	}
	var out draftResponse
	if err := decodeResponse(ctx, r.Model, &out, genai.Text(prompt)); err != nil {
		return nil, err
	}
	return r.toDraft(out)
}

func (r *VertexReasoner) prompt(ctx context.Context, doc *models.Document) (string, error) {
	facts := map[string]any{"extracted_fields": doc.ExtractedFields}
	if len(doc.CustomFields) > 0 {
		facts["custom_fields"] = doc.CustomFields
	}
	factsJSON, err := json.MarshalIndent(facts, "", "  ")
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(reasonerUserPrompt)
	if r.CurrencyCode != "" {
		fmt.Fprintf(&b, "\n\nThe ledger currency is %s.", r.CurrencyCode)
	}
	if r.Accounts != nil {
		accounts, err := r.Accounts.ListAccounts(ctx)
		if err != nil {
			return "", fmt.Errorf("list accounts: %w", err)
		}
		if len(accounts) > 0 {
			b.WriteString("\n\nChart of accounts (code, name, type):\n")
			for _, a := range accounts {
				fmt.Fprintf(&b, "- %s, %s, %s\n", a.Code, a.Name, a.MainType)
			}
		}
	}
	b.WriteString("\n\nDocument facts:\n")
	b.Write(factsJSON)
	return b.String(), nil
}

func (r *VertexReasoner) toDraft(out draftResponse) (*models.ProposalDraft, error) {
	draft := &models.ProposalDraft{
		Currency:  out.Currency,
		Rationale: strings.TrimSpace(out.Rationale),
		Model:     r.ModelName,
	}
	if draft.Currency == "" {
		draft.Currency = r.CurrencyCode
	}
	if out.AiConfidence != "" {
		c, err := out.AiConfidence.Float64()
		if err != nil {
			return nil, fmt.Errorf("ai_confidence %q is not a number", out.AiConfidence)
		}
		draft.AiConfidence = c
	}
	for i, e := range out.Entries {
		debit, err := parseAmount(e.Debit, r.CurrencyExp)
		if err != nil {
			return nil, fmt.Errorf("entry %d debit: %v", i+1, err)
		}
		credit, err := parseAmount(e.Credit, r.CurrencyExp)
		if err != nil {
			return nil, fmt.Errorf("entry %d credit: %v", i+1, err)
		}
		draft.Entries = append(draft.Entries, models.ProposalLine{
			Account:     e.Account,
			Debit:       debit,
			Credit:      credit,
			Description: e.Description,
		})
	}
	return draft, nil
}

// GormAccountLister lists active ledger accounts.
type GormAccountLister struct {
	DB *gorm.DB
}

func (l *GormAccountLister) ListAccounts(ctx context.Context) ([]models.LedgerAccount, error) {
	var accounts []models.LedgerAccount
	err := l.DB.WithContext(ctx).
		Where("is_active = ?", true).
		Order("code").
		Find(&accounts).Error
	return accounts, err
}
