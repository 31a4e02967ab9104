package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// JobMessage asks a worker to drive one pipeline job.
// Delivery is at-least-once; workers rely on the job's persisted status and version.
type JobMessage struct {
	JobId         string    `json:"job_id"`
	DocumentId    string    `json:"document_id"`
	Attempt       int       `json:"attempt"`
	CorrelationId string    `json:"correlation_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// PubSubPushEnvelope is the body Pub/Sub POSTs to a push subscription endpoint.
type PubSubPushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"`
		MessageId   string            `json:"messageId"`
		Attributes  map[string]string `json:"attributes"`
		PublishTime time.Time         `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

// PubSubSettings come from PUBSUB_PROJECT_ID (falling back to GOOGLE_CLOUD_PROJECT, then
// GCP_PROJECT), PUBSUB_TOPIC and PUBSUB_CREDENTIALS_JSON. Without credentials the client uses
// Application Default Credentials.
type PubSubSettings struct {
	ProjectID       string
	Topic           string
	CredentialsJSON string
}

func LoadPubSubSettings() PubSubSettings {
	s := PubSubSettings{
		Topic:           strings.TrimSpace(os.Getenv("PUBSUB_TOPIC")),
		CredentialsJSON: os.Getenv("PUBSUB_CREDENTIALS_JSON"),
	}
	for _, key := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			s.ProjectID = v
			break
		}
	}
	return s
}

func (s PubSubSettings) clientOptions() []option.ClientOption {
	if s.CredentialsJSON == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsJSON([]byte(s.CredentialsJSON))}
}

// GetClient returns the shared Pub/Sub client, creating it with retries on first use.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	s := LoadPubSubSettings()
	if s.ProjectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	fields := logrus.Fields{"field": "pubsub", "project_id": s.ProjectID}
	for attempt := 1; ; attempt++ {
		c, err := pubsub.NewClient(ctx, s.ProjectID, s.clientOptions()...)
		if err == nil {
			pubsubClient = c
			GetLogger().WithFields(fields).WithField("attempt", attempt).Info("pubsub client ready")
			return c, nil
		}
		sleep := BackoffDelay(attempt)
		GetLogger().WithFields(fields).WithField("attempt", attempt).
			Warn("failed to init pubsub client; retrying in " + sleep.String() + ": " + err.Error())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}

	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// CreateSubscriptionIfNotExists creates a pull subscription, or a push subscription when pushEndpoint is set.
func CreateSubscriptionIfNotExists(ctx context.Context, client *pubsub.Client, name string, topic *pubsub.Topic, pushEndpoint string) (*pubsub.Subscription, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if name == "" {
		return nil, errors.New("subscription name is required")
	}
	if topic == nil {
		return nil, errors.New("topic is required")
	}

	sub := client.Subscription(name)
	subExists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if !subExists {
		cfg := pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: 60 * time.Second,
		}
		if pushEndpoint != "" {
			cfg.PushConfig = pubsub.PushConfig{Endpoint: pushEndpoint}
		}
		sub, err = client.CreateSubscription(ctx, name, cfg)
		if err != nil {
			return nil, fmt.Errorf("create subscription %q: %w", name, err)
		}
	}
	return sub, nil
}

// PublishJob publishes msg on PUBSUB_TOPIC and returns the server-assigned message ID.
// The document id is the ordering key attribute so subscribers can log it without decoding.
func PublishJob(ctx context.Context, msg JobMessage) (string, error) {
	topicName := LoadPubSubSettings().Topic
	if topicName == "" {
		return "", errors.New("PUBSUB_TOPIC is required")
	}
	client, err := GetClient(ctx)
	if err != nil {
		return "", err
	}

	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	result := client.Topic(topicName).Publish(ctx, &pubsub.Message{
		Data: msgJSON,
		Attributes: map[string]string{
			"job_id":         msg.JobId,
			"document_id":    msg.DocumentId,
			"correlation_id": msg.CorrelationId,
		},
	})

	return result.Get(ctx)
}

// DecodeJobMessage unwraps a push envelope.
func DecodeJobMessage(env PubSubPushEnvelope) (JobMessage, error) {
	var msg JobMessage
	if len(env.Message.Data) == 0 {
		return msg, errors.New("empty pubsub message data")
	}
	if err := json.Unmarshal(env.Message.Data, &msg); err != nil {
		return msg, fmt.Errorf("decode job message: %w", err)
	}
	if msg.JobId == "" {
		return msg, errors.New("job message has no job_id")
	}
	return msg, nil
}
