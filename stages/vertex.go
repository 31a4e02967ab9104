package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/mmdatafocus/docflow_backend/config"
)

// ContentGenerator is the part of *genai.GenerativeModel the stages call.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

const extractorSystemPrompt = "You are a bookkeeping assistant that reads business documents such as invoices, receipts and bills. " +
	"You extract the facts printed on the document and never invent values that are not present. You always answer with a single JSON object."

const extractorUserPrompt = `Read the attached document and return a JSON object with exactly these keys:
- "fields": an object of flat key/value pairs found on the document. Use snake_case keys.
  Always try to fill: vendor, vendor_tax_id, invoice_number, invoice_date (YYYY-MM-DD), due_date,
  currency (ISO 4217), subtotal, tax, total, and line_items (an array of {description, quantity, amount}).
  Amounts are strings in major units with a dot as decimal separator, e.g. "1234.50".
  Leave out keys you cannot find.
- "confidence": a number between 0 and 1 for how legible and complete the document was.`

const reasonerSystemPrompt = "You are an accountant drafting double-entry journal entries from extracted document fields. " +
	"Every entry debits or credits exactly one account. Debits must equal credits. You always answer with a single JSON object."

const reasonerUserPrompt = `Draft the journal entry that records this document.

Return a JSON object with exactly these keys:
- "entries": an array of {"account", "debit", "credit", "description"}. "account" is an account name or code
  from the chart of accounts below when one is given. "debit" and "credit" are strings in major units;
  exactly one of them is non-zero per entry.
- "ai_confidence": a number between 0 and 1.
- "currency": ISO 4217 code of the amounts.
- "rationale": one or two sentences explaining the treatment.`

// VertexModels holds the generative models used by the extract and propose stages.
type VertexModels struct {
	Extractor *genai.GenerativeModel
	Reasoner  *genai.GenerativeModel
	ModelName string
	client    *genai.Client
}

func NewVertexModels(ctx context.Context, s config.VertexSettings) (*VertexModels, error) {
	client, err := config.NewGenAIClient(ctx, s)
	if err != nil {
		return nil, err
	}
	return &VertexModels{
		Extractor: jsonModel(client, s.Model, extractorSystemPrompt),
		Reasoner:  jsonModel(client, s.Model, reasonerSystemPrompt),
		ModelName: s.Model,
		client:    client,
	}, nil
}

func jsonModel(client *genai.Client, name string, system string) *genai.GenerativeModel {
	m := client.GenerativeModel(name)
	m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	m.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	return m
}

func (v *VertexModels) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}

var errEmptyResponse = errors.New("model returned no content")

// responseText joins the text parts of the first candidate and strips markdown fences.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errEmptyResponse
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return "", errors.New("model response blocked by safety filters")
	}
	var b strings.Builder
	for _, part := range cand.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	s := strings.TrimSpace(b.String())
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errEmptyResponse
	}
	return s, nil
}

// decodeResponse generates content and decodes the JSON answer into out.
// Numbers are kept as json.Number so amounts never pass through float64.
func decodeResponse(ctx context.Context, model ContentGenerator, out any, parts ...genai.Part) error {
	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return fmt.Errorf("generate content: %w", err)
	}
	text, err := responseText(resp)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode model response: %w", err)
	}
	return nil
}
