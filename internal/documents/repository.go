package documents

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opLoadSnapshots       = "documents.load_snapshots"
	opSaveSnapshot        = "documents.save_snapshot"
	opDeleteDocument      = "documents.delete_document"
	opRecordHistoryEntry  = "documents.record_history_entry"
	opListHistoryEntries  = "documents.list_history_entries"
	opFindHistoryEntry    = "documents.find_history_entry"
	columnID              = "id"
	columnKind            = "kind"
	columnSnapshot        = "snapshot"
	columnUpdatedAtMs     = "updated_at_ms"
	fieldDocumentID       = "document_id"
	fieldVersionID        = "version_id"
	queryID               = columnID + " = ?"
	queryDocumentID       = fieldDocumentID + " = ?"
	queryDocumentVersion  = fieldDocumentID + " = ? AND " + fieldVersionID + " = ?"
	orderHistoryNewest    = "timestamp_ms DESC, version_id DESC"
	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonUpsertFailed    = "upsert_failed"
	reasonInsertFailed    = "insert_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonEncodeFailed    = "encode_failed"
	reasonDecodeFailed    = "decode_failed"
	reasonVersionMissing  = "version_missing"

	defaultOperationTimeout = 10 * time.Second
)

// DocumentRecord stores the latest full snapshot of a document.
type DocumentRecord struct {
	ID          string          `gorm:"column:id;primaryKey;size:190;not null"`
	Kind        string          `gorm:"column:kind;size:32;not null;default:flow"`
	Snapshot    []byte          `gorm:"column:snapshot;not null"`
	UpdatedAtMs int64           `gorm:"column:updated_at_ms;not null"`
	History     []HistoryRecord `gorm:"foreignKey:DocumentID;references:ID;constraint:OnDelete:CASCADE"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRecord) TableName() string {
	return "documents"
}

// HistoryRecord stores one named checkpoint of a document.
type HistoryRecord struct {
	DocumentID    string         `gorm:"column:document_id;primaryKey;size:190;not null;index:idx_document_history_time,priority:1"`
	VersionID     string         `gorm:"column:version_id;primaryKey;size:64;not null"`
	VersionVector datatypes.JSON `gorm:"column:version_vector;not null"`
	TimestampMs   int64          `gorm:"column:timestamp_ms;not null;index:idx_document_history_time,priority:2"`
	Author        string         `gorm:"column:author;size:190;not null"`
	Message       *string        `gorm:"column:message;type:text"`
}

// TableName provides the explicit table binding for GORM.
func (HistoryRecord) TableName() string {
	return "document_history"
}

// Repository is the durable side of the store.
type Repository interface {
	LoadSnapshots(ctx context.Context) ([]SnapshotRecord, error)
	SaveSnapshot(ctx context.Context, record SnapshotRecord) error
	DeleteDocument(ctx context.Context, documentID DocumentID) error
	RecordHistoryEntry(ctx context.Context, entry HistoryEntry) error
	ListHistory(ctx context.Context, documentID DocumentID) ([]HistoryEntry, error)
	FindHistoryEntry(ctx context.Context, documentID DocumentID, versionID string) (HistoryEntry, error)
}

// GormRepositoryConfig wires a GormRepository.
type GormRepositoryConfig struct {
	Database         *gorm.DB
	Logger           *zap.Logger
	OperationTimeout time.Duration
}

// GormRepository persists snapshots and history through GORM.
type GormRepository struct {
	db      *gorm.DB
	logger  *zap.Logger
	timeout time.Duration
}

// NewGormRepository validates the configuration and constructs a repository.
func NewGormRepository(cfg GormRepositoryConfig) (*GormRepository, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	return &GormRepository{db: cfg.Database, logger: logger, timeout: timeout}, nil
}

// LoadSnapshots returns every persisted document snapshot.
func (repository *GormRepository) LoadSnapshots(ctx context.Context) ([]SnapshotRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, repository.timeout)
	defer cancel()

	var rows []DocumentRecord
	if err := repository.db.WithContext(ctx).Order(columnID).Find(&rows).Error; err != nil {
		return nil, repository.fail(opLoadSnapshots, reasonQueryFailed, err)
	}
	records := make([]SnapshotRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, SnapshotRecord{
			DocumentID: DocumentID(row.ID),
			Kind:       row.Kind,
			Snapshot:   row.Snapshot,
			UpdatedAt:  time.UnixMilli(row.UpdatedAtMs).UTC(),
		})
	}
	return records, nil
}

// SaveSnapshot upserts the full snapshot of a document.
func (repository *GormRepository) SaveSnapshot(ctx context.Context, record SnapshotRecord) error {
	ctx, cancel := context.WithTimeout(ctx, repository.timeout)
	defer cancel()

	row := DocumentRecord{
		ID:          record.DocumentID.String(),
		Kind:        record.Kind,
		Snapshot:    record.Snapshot,
		UpdatedAtMs: record.UpdatedAt.UnixMilli(),
	}
	err := repository.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnID}},
		DoUpdates: clause.AssignmentColumns([]string{columnKind, columnSnapshot, columnUpdatedAtMs}),
	}).Create(&row).Error
	if err != nil {
		return repository.fail(opSaveSnapshot, reasonUpsertFailed, err, zap.String(fieldDocumentID, record.DocumentID.String()))
	}
	return nil
}

// DeleteDocument removes history and snapshot in one transaction.
func (repository *GormRepository) DeleteDocument(ctx context.Context, documentID DocumentID) error {
	ctx, cancel := context.WithTimeout(ctx, repository.timeout)
	defer cancel()

	err := repository.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if err := transaction.Where(queryDocumentID, documentID.String()).Delete(&HistoryRecord{}).Error; err != nil {
			return err
		}
		return transaction.Where(queryID, documentID.String()).Delete(&DocumentRecord{}).Error
	})
	if err != nil {
		return repository.fail(opDeleteDocument, reasonDeleteFailed, err, zap.String(fieldDocumentID, documentID.String()))
	}
	return nil
}

// RecordHistoryEntry appends a history checkpoint.
func (repository *GormRepository) RecordHistoryEntry(ctx context.Context, entry HistoryEntry) error {
	ctx, cancel := context.WithTimeout(ctx, repository.timeout)
	defer cancel()

	encoded, err := MarshalVersionVector(entry.VersionVector)
	if err != nil {
		return repository.fail(opRecordHistoryEntry, reasonEncodeFailed, err, zap.String(fieldDocumentID, entry.DocumentID.String()))
	}
	row := HistoryRecord{
		DocumentID:    entry.DocumentID.String(),
		VersionID:     entry.VersionID,
		VersionVector: datatypes.JSON(encoded),
		TimestampMs:   entry.Timestamp.UnixMilli(),
		Author:        entry.Author.String(),
		Message:       entry.Message,
	}
	if err := repository.db.WithContext(ctx).Create(&row).Error; err != nil {
		return repository.fail(opRecordHistoryEntry, reasonInsertFailed, err,
			zap.String(fieldDocumentID, entry.DocumentID.String()),
			zap.String(fieldVersionID, entry.VersionID))
	}
	return nil
}

// ListHistory returns the document's checkpoints, newest first.
func (repository *GormRepository) ListHistory(ctx context.Context, documentID DocumentID) ([]HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, repository.timeout)
	defer cancel()

	var rows []HistoryRecord
	if err := repository.db.WithContext(ctx).
		Where(queryDocumentID, documentID.String()).
		Order(orderHistoryNewest).
		Find(&rows).Error; err != nil {
		return nil, repository.fail(opListHistoryEntries, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
	}
	entries := make([]HistoryEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := historyEntryFromRecord(row)
		if err != nil {
			return nil, repository.fail(opListHistoryEntries, reasonDecodeFailed, err,
				zap.String(fieldDocumentID, row.DocumentID),
				zap.String(fieldVersionID, row.VersionID))
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// FindHistoryEntry loads one checkpoint; unknown versions yield ErrNotFound.
func (repository *GormRepository) FindHistoryEntry(ctx context.Context, documentID DocumentID, versionID string) (HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, repository.timeout)
	defer cancel()

	var row HistoryRecord
	err := repository.db.WithContext(ctx).
		Where(queryDocumentVersion, documentID.String(), versionID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return HistoryEntry{}, newServiceError(opFindHistoryEntry, reasonVersionMissing, ErrNotFound, err)
	}
	if err != nil {
		return HistoryEntry{}, repository.fail(opFindHistoryEntry, reasonQueryFailed, err,
			zap.String(fieldDocumentID, documentID.String()),
			zap.String(fieldVersionID, versionID))
	}
	entry, err := historyEntryFromRecord(row)
	if err != nil {
		return HistoryEntry{}, repository.fail(opFindHistoryEntry, reasonDecodeFailed, err,
			zap.String(fieldDocumentID, documentID.String()),
			zap.String(fieldVersionID, versionID))
	}
	return entry, nil
}

func (repository *GormRepository) fail(operation, reason string, err error, fields ...zap.Field) error {
	logServiceError(repository.logger, operation, reason, err, fields...)
	return newServiceError(operation, reason, ErrStorageFailure, err)
}

func historyEntryFromRecord(row HistoryRecord) (HistoryEntry, error) {
	vector, err := UnmarshalVersionVector(row.VersionVector)
	if err != nil {
		return HistoryEntry{}, err
	}
	return HistoryEntry{
		DocumentID:    DocumentID(row.DocumentID),
		VersionID:     row.VersionID,
		VersionVector: vector,
		Timestamp:     time.UnixMilli(row.TimestampMs).UTC(),
		Author:        ActorID(row.Author),
		Message:       row.Message,
	}, nil
}
