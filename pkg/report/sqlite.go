package report

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"faceingest/pkg/ingest"
	"faceingest/pkg/logger"
	"faceingest/pkg/metrics"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteGenerator appends runs and their records to a SQLite database
type SQLiteGenerator struct {
	path string
	run  Run
	log  logger.Logger
}

// NewSQLite creates a SQLiteGenerator for the database file at path
func NewSQLite(path string, run Run, log logger.Logger) *SQLiteGenerator {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &SQLiteGenerator{path: path, run: run, log: log}
}

// Open opens the database at path and applies the schema
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// pragmas go in the DSN so every pooled connection gets them
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("exec schema: %w", err)
	}
	return db, nil
}

// Generate implements Generator. The run row and all records are written in
// one transaction.
func (g *SQLiteGenerator) Generate(ctx context.Context, records []ingest.EnrichedRecord, snapshot metrics.Snapshot) error {
	start := time.Now()
	db, err := Open(g.path)
	if err != nil {
		return err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertRun(ctx, tx, g.run, snapshot); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, insertRecordSQL)
	if err != nil {
		return fmt.Errorf("prepare record insert: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		if err := insertRecord(ctx, stmt, g.run.ID, &records[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit report: %w", err)
	}

	g.log.InfoWithFields("SQLite report written", map[string]interface{}{
		"path":    g.path,
		"run_id":  g.run.ID,
		"records": len(records),
		"elapsed": time.Since(start),
	})
	return nil
}

func insertRun(ctx context.Context, tx *sql.Tx, run Run, s metrics.Snapshot) error {
	const query = `
		INSERT INTO runs (id, input_file, completed, generated_at, total_lines, processed_lines,
			parsed_records, valid_images, failed_images, json_errors, cached_images, network_errors,
			timeout_errors, duplicate_records, unique_users, unique_devices, unique_companies,
			unique_ips, elapsed_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		run.ID,
		run.InputFile,
		run.Completed,
		run.GeneratedAt.Format(time.RFC3339),
		s.TotalLines,
		s.ProcessedLines,
		s.ParsedRecords,
		s.ValidImages,
		s.FailedImages,
		s.JSONErrors,
		s.CachedImages,
		s.NetworkErrors,
		s.TimeoutErrors,
		s.DuplicateRecords,
		s.UniqueUsers,
		s.UniqueDevices,
		s.UniqueCompanies,
		s.UniqueIPs,
		s.Elapsed,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const insertRecordSQL = `
	INSERT INTO records (run_id, timestamp, device_id, user_name, gender, age, score, face_id,
		company_id, image_url, event_type, user_list, ip_address, user_id, frpic_name,
		request_type, group_name, mongo_id, company_type, image_hash, image_path, image_width,
		image_height, image_bytes, image_cached, failure_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

func insertRecord(ctx context.Context, stmt *sql.Stmt, runID string, r *ingest.EnrichedRecord) error {
	var (
		path          sql.NullString
		width, height sql.NullInt64
		size          sql.NullInt64
		cached        sql.NullBool
	)
	if img := r.Image; img != nil {
		path = nullString(img.Path)
		width = sql.NullInt64{Int64: int64(img.Width), Valid: true}
		height = sql.NullInt64{Int64: int64(img.Height), Valid: true}
		size = sql.NullInt64{Int64: img.StoredBytes, Valid: true}
		cached = sql.NullBool{Bool: img.Cached(), Valid: true}
	}

	_, err := stmt.ExecContext(ctx,
		runID,
		r.Timestamp,
		r.DeviceID,
		r.UserName,
		r.Gender,
		r.Age,
		r.Score,
		r.FaceID,
		r.CompanyID,
		nullString(r.ImageURL),
		nullString(r.EventType),
		nullString(r.UserList),
		r.IPAddress,
		nullString(r.UserID),
		nullString(r.FrpicName),
		nullString(r.RequestType),
		nullString(r.Group),
		nullString(r.MongoID),
		nullString(r.CompanyType),
		nullString(r.ImageHash),
		path,
		width,
		height,
		size,
		cached,
		nullString(r.FailureReason),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
