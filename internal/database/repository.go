package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/runningpoem30/videoTranscoding/internal/logging"
	"github.com/runningpoem30/videoTranscoding/internal/metrics"
	"github.com/runningpoem30/videoTranscoding/pkg/models"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// RecordStatusCompleted is the status saved for finished runs
const RecordStatusCompleted = "completed"

// Repository provides database operations
type Repository struct {
	db     *DB
	logger *logging.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *logging.Logger) *Repository {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Repository{db: db, logger: logger}
}

// CreateRecord saves a stream record. ID, status and creation time are
// filled in when empty.
func (r *Repository) CreateRecord(ctx context.Context, record *models.StreamRecord) error {
	start := time.Now()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Status == "" {
		record.Status = RecordStatusCompleted
	}

	query := `
		INSERT INTO stream_records (id, owner_id, original_file_name, original_file_size, destination_url, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		record.ID, record.OwnerID, record.OriginalFileName, record.OriginalFileSize,
		record.DestinationURL, record.Status,
	).Scan(&record.CreatedAt)

	r.observe("create_record", start, err)
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}

	return nil
}

// GetRecord retrieves a record by ID
func (r *Repository) GetRecord(ctx context.Context, id string) (*models.StreamRecord, error) {
	start := time.Now()

	query := `
		SELECT id, owner_id, original_file_name, original_file_size, destination_url, status, created_at
		FROM stream_records
		WHERE id = $1
	`

	var record models.StreamRecord
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&record.ID, &record.OwnerID, &record.OriginalFileName, &record.OriginalFileSize,
		&record.DestinationURL, &record.Status, &record.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		r.observe("get_record", start, nil)
		return nil, ErrNotFound
	}
	r.observe("get_record", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}

	return &record, nil
}

// ListRecords returns the owner's records, newest first
func (r *Repository) ListRecords(ctx context.Context, ownerID string, limit int) ([]*models.StreamRecord, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, owner_id, original_file_name, original_file_size, destination_url, status, created_at
		FROM stream_records
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, ownerID, limit)
	if err != nil {
		r.observe("list_records", start, err)
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []*models.StreamRecord{}
	for rows.Next() {
		var record models.StreamRecord
		err := rows.Scan(
			&record.ID, &record.OwnerID, &record.OriginalFileName, &record.OriginalFileSize,
			&record.DestinationURL, &record.Status, &record.CreatedAt,
		)
		if err != nil {
			r.observe("list_records", start, err)
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, &record)
	}

	err = rows.Err()
	r.observe("list_records", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	return records, nil
}

// DeleteRecord deletes a record
func (r *Repository) DeleteRecord(ctx context.Context, id string) error {
	start := time.Now()

	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM stream_records WHERE id = $1`, id)
	r.observe("delete_record", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *Repository) observe(operation string, start time.Time, err error) {
	elapsed := time.Since(start)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordDatabaseOperation(operation, status, elapsed.Seconds())
	r.logger.LogDatabaseOperation(operation, elapsed, err)
}
