package records

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kenneth/secure-image-vault/internal/database"
)

const recordColumns = `id, file_id, file_name, user_email, upload_time, status, original_size, original_hash, mime_type, message`

// PostgresStore keeps the upload log in the upload_records table.
type PostgresStore struct {
	db database.DBTX
}

// NewPostgresStore constructs a store bound to db.
func NewPostgresStore(db database.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, rec *UploadRecord) error {
	if !rec.Status.validAtCreate() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, rec.Status)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO upload_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.ID, rec.FileID, rec.FileName, rec.UserEmail, rec.UploadTime.UTC(), string(rec.Status),
		rec.OriginalSize, rec.OriginalHash, rec.MimeType, rec.Message)
	if err != nil {
		return fmt.Errorf("insert upload record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*UploadRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM upload_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select upload record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) GetByFileID(ctx context.Context, fileID string) (*UploadRecord, error) {
	if fileID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM upload_records WHERE file_id = $1 ORDER BY upload_time DESC LIMIT 1`, fileID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select upload record by file id: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, fileID, message string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE upload_records SET status = $2, file_id = $3, message = $4 WHERE id = $1
	`, id, string(status), fileID, message)
	if err != nil {
		return fmt.Errorf("update upload record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, page Page) (*List, error) {
	return s.query(ctx, "", nil, page)
}

func (s *PostgresStore) Search(ctx context.Context, query string, page Page) (*List, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return s.List(ctx, page)
	}
	pattern := "%" + escapeLike(q) + "%"
	return s.query(ctx, `WHERE file_name ILIKE $1 OR user_email ILIKE $1 OR file_id ILIKE $1`, []any{pattern}, page)
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM upload_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("select upload stats: %w", err)
	}
	defer rows.Close()

	st := &Stats{ByStatus: map[Status]int{StatusUploaded: 0, StatusFailed: 0, StatusDeleted: 0}}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan upload stats: %w", err)
		}
		st.ByStatus[Status(status)] = count
		st.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) query(ctx context.Context, where string, args []any, page Page) (*List, error) {
	page = page.Normalize()

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM upload_records `+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count upload records: %w", err)
	}

	args = append(args, page.Limit, page.offset())
	q := fmt.Sprintf(`SELECT %s FROM upload_records %s ORDER BY upload_time DESC, id DESC LIMIT $%d OFFSET $%d`,
		recordColumns, where, len(args)-1, len(args))
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select upload records: %w", err)
	}
	defer rows.Close()

	out := &List{Records: []*UploadRecord{}, Total: total, Page: page.Page, Limit: page.Limit}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload record: %w", err)
		}
		out.Records = append(out.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate upload records: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*UploadRecord, error) {
	var (
		rec    UploadRecord
		status string
	)
	if err := row.Scan(&rec.ID, &rec.FileID, &rec.FileName, &rec.UserEmail, &rec.UploadTime, &status,
		&rec.OriginalSize, &rec.OriginalHash, &rec.MimeType, &rec.Message); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	return &rec, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
