package models

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.True(t, IsDuplicateKeyErr(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.False(t, IsDuplicateKeyErr(&mysql.MySQLError{Number: 1213}))
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.False(t, IsDuplicateKeyErr(errors.New("other")))
}

// integrationRepository needs INTEGRATION_TESTS=true and DB_* pointing at a scratch schema.
func integrationRepository(t *testing.T) *Repository {
	t.Helper()
	if !config.IntegrationTestsEnabled() {
		t.Skip("INTEGRATION_TESTS not set")
	}
	db, err := config.OpenDatabase(config.LoadDatabaseSettings())
	require.NoError(t, err)
	require.NoError(t, MigrateTable(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewRepository(db)
}

func TestRepositoryTransitionIsVersionChecked(t *testing.T) {
	repo := integrationRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	doc := &Document{
		ID:        uuid.NewString(),
		FileName:  "invoice.pdf",
		SourceUri: "gs://bucket/invoice.pdf",
		Status:    DocumentStatusNew,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ev, err := NewEvidence(uuid.NewString(), doc.ID, ActionDocumentCreated, "test", &DocumentIntakeSummary{FileName: doc.FileName, SourceUri: doc.SourceUri})
	require.NoError(t, err)
	require.NoError(t, repo.CreateDocument(ctx, doc, ev))
	assert.Equal(t, KindConflict, KindOf(repo.CreateDocument(ctx, doc, nil)))

	origin := DocumentStatusNew
	tr := DocumentTransition{
		DocumentID:      doc.ID,
		ExpectedVersion: 1,
		From:            DocumentStatusNew,
		To:              DocumentStatusExtracting,
		Changes:         DocumentChanges{StageOrigin: &origin},
		At:              now.Add(time.Second),
	}
	got, err := repo.TransitionDocument(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, DocumentStatusExtracting, got.Status)
	assert.Equal(t, int64(2), got.Version)

	// Same edge with the stale version loses: the status no longer matches.
	_, err = repo.TransitionDocument(ctx, tr)
	assert.Equal(t, KindInvalidState, KindOf(err))

	back := DocumentTransition{
		DocumentID:      doc.ID,
		ExpectedVersion: 1,
		From:            DocumentStatusExtracting,
		To:              DocumentStatusNew,
		Changes:         DocumentChanges{ClearStageOrigin: true},
	}
	_, err = repo.TransitionDocument(ctx, back)
	assert.Equal(t, KindConflict, KindOf(err))

	events, err := repo.ListEvidence(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, ActionDocumentCreated, events[0].Action)

	_, err = repo.GetDocument(ctx, uuid.NewString())
	assert.Equal(t, KindNotFound, KindOf(err))
}
