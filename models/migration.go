package models

import (
	"gorm.io/gorm"
)

// AllModels lists every table the service owns, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&Document{}, &Extraction{},
		&Proposal{}, &ProposalEntry{},
		&Approval{},
		&Job{},
		&EvidenceEvent{},
		&LedgerAccount{}, &Journal{}, &JournalTransaction{},
		&IdempotencyKey{},
	}
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
