package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"
)

// VertexSettings selects the generative model used by the extract and propose stages.
type VertexSettings struct {
	ProjectID string
	Region    string
	Model     string
}

// ErrVertexNotConfigured is returned when no project is set; stages then report StageFailure.
var ErrVertexNotConfigured = errors.New("VERTEX_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")

func LoadVertexSettings() VertexSettings {
	projectID := strings.TrimSpace(os.Getenv("VERTEX_PROJECT_ID"))
	if projectID == "" {
		projectID = LoadPubSubSettings().ProjectID
	}
	return VertexSettings{
		ProjectID: projectID,
		Region:    stringFromEnv("VERTEX_REGION", "us-central1"),
		Model:     stringFromEnv("VERTEX_MODEL", "gemini-1.5-pro"),
	}
}

// NewGenAIClient opens a Vertex AI client. VERTEX_CREDENTIALS_JSON overrides ADC.
func NewGenAIClient(ctx context.Context, s VertexSettings) (*genai.Client, error) {
	if s.ProjectID == "" {
		return nil, ErrVertexNotConfigured
	}
	if s.Region == "" {
		return nil, fmt.Errorf("vertex region is empty")
	}
	var opts []option.ClientOption
	if credJSON := strings.TrimSpace(os.Getenv("VERTEX_CREDENTIALS_JSON")); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}
	client, err := genai.NewClient(ctx, s.ProjectID, s.Region, opts...)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	return client, nil
}
