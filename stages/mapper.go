package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmdatafocus/docflow_backend/models"
)

// AccountMapper resolves each proposal entry to an active ledger account by code, then by name.
type AccountMapper struct {
	Accounts AccountLister
}

func (m *AccountMapper) Map(ctx context.Context, p *models.Proposal) (models.ProposalMapping, error) {
	accounts, err := m.Accounts.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return MapAccounts(p.Entries, accounts)
}

// MapAccounts matches case-insensitively. Unknown or ambiguous names are an error:
// a journal line must never land on a guessed account.
func MapAccounts(entries []models.ProposalEntry, accounts []models.LedgerAccount) (models.ProposalMapping, error) {
	byCode := map[string]int{}
	byName := map[string][]int{}
	for _, a := range accounts {
		if a.IsActive != nil && !*a.IsActive {
			continue
		}
		byCode[strings.ToLower(strings.TrimSpace(a.Code))] = a.ID
		name := strings.ToLower(strings.TrimSpace(a.Name))
		byName[name] = append(byName[name], a.ID)
	}

	out := models.ProposalMapping{}
	var unknown []string
	for _, e := range entries {
		key := strings.ToLower(strings.TrimSpace(e.Account))
		if id, ok := byCode[key]; ok {
			out[e.LineNo] = id
			continue
		}
		switch ids := byName[key]; len(ids) {
		case 1:
			out[e.LineNo] = ids[0]
		case 0:
			unknown = append(unknown, e.Account)
		default:
			return nil, fmt.Errorf("account %q matches %d ledger accounts", e.Account, len(ids))
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("accounts not in chart of accounts: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}
