package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"cloud.google.com/go/storage"
	"cloud.google.com/go/vertexai/genai"
	"github.com/mmdatafocus/docflow_backend/models"
	"github.com/sirupsen/logrus"
)

// ObjectStatter checks that a document's source object exists before it is sent to the model.
type ObjectStatter interface {
	Stat(ctx context.Context, uri string) (*storage.ObjectAttrs, error)
}

// VertexExtractor reads the source file with Gemini and returns the printed fields.
type VertexExtractor struct {
	Model     ContentGenerator
	ModelName string
	Objects   ObjectStatter
	Logger    *logrus.Logger
}

type extractionResponse struct {
	Fields     map[string]any `json:"fields"`
	Confidence *json.Number   `json:"confidence"`
}

func (x *VertexExtractor) Extract(ctx context.Context, doc *models.Document) (*models.ExtractionResult, error) {
	if doc.SourceUri == "" {
		return nil, fmt.Errorf("document %s has no source uri", doc.ID)
	}
	mimeType := doc.MimeType
	if x.Objects != nil {
		attrs, err := x.Objects.Stat(ctx, doc.SourceUri)
		if err != nil {
			return nil, fmt.Errorf("source object %s: %w", doc.SourceUri, err)
		}
		if mimeType == "" {
			mimeType = attrs.ContentType
		}
	}
	if mimeType == "" {
		mimeType = "application/pdf"
	}

	var out extractionResponse
	err := decodeResponse(ctx, x.Model, &out,
		genai.FileData{MIMEType: mimeType, FileURI: doc.SourceUri},
		genai.Text(extractorUserPrompt),
	)
	if err != nil {
		return nil, err
	}
	fields := models.NormalizeFieldMap(flattenNumbers(out.Fields))
	if len(fields) == 0 {
		return nil, fmt.Errorf("no fields found in %s", doc.FileName)
	}

	res := &models.ExtractionResult{Fields: fields, Model: x.ModelName}
	if out.Confidence != nil {
		c, err := out.Confidence.Float64()
		if err == nil && !math.IsNaN(c) {
			c = math.Max(0, math.Min(1, c))
			res.Confidence = &c
		}
	}
	if x.Logger != nil {
		x.Logger.WithFields(logrus.Fields{"document_id": doc.ID, "field_count": len(fields)}).Debug("extraction parsed")
	}
	return res, nil
}

// flattenNumbers turns json.Number values into strings so amounts keep their printed precision.
func flattenNumbers(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[strings.TrimSpace(k)] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		return x.String()
	case map[string]any:
		return flattenNumbers(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeValue(e)
		}
		return out
	}
	return v
}
