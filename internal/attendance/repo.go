package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---------- users ----------

const userColumns = `id, email, name, college_id, role, batch_id, latitude, longitude, profile_picture, face_enrolled_at, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.CollegeID, &u.Role, &u.BatchID,
		&u.Latitude, &u.Longitude, &u.ProfilePicture, &u.FaceEnrolledAt, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// InsertUser creates an account. A duplicate email maps to invalid input so
// the handler can report it without leaking constraint names.
func (r *Repository) InsertUser(ctx context.Context, u User, passwordHash string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (email, password_hash, name, college_id, role, batch_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+userColumns+`
	`, u.Email, passwordHash, u.Name, u.CollegeID, u.Role, u.BatchID)
	created, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, Errf(KindInvalidInput, "email %q already registered", u.Email)
		}
		return nil, err
	}
	return created, nil
}

// GetUser returns a user by id, nil when absent.
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetUserByEmail returns a user and its password hash for login.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*User, string, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`, password_hash FROM users WHERE email = $1 AND is_active
	`, email)
	var u User
	var hash string
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.CollegeID, &u.Role, &u.BatchID,
		&u.Latitude, &u.Longitude, &u.ProfilePicture, &u.FaceEnrolledAt, &u.CreatedAt, &hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", err
	}
	return &u, hash, nil
}

// ListStudents returns all active student users.
func (r *Repository) ListStudents(ctx context.Context) ([]User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE role = $1 AND is_active ORDER BY name NULLS LAST, id
	`, RoleStudent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// UpdateUserLocation stores the user's last known coordinates.
func (r *Repository) UpdateUserLocation(ctx context.Context, id uuid.UUID, lat, lon float64) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE users SET latitude = $2, longitude = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns+`
	`, id, lat, lon)
	return scanUser(row)
}

// UpdateUserProfile patches mutable profile fields, keeping existing values
// for nil arguments.
func (r *Repository) UpdateUserProfile(ctx context.Context, id uuid.UUID, name, profilePicture *string) (*User, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE users SET
			name = COALESCE($2, name),
			profile_picture = COALESCE($3, profile_picture),
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+userColumns+`
	`, id, name, profilePicture)
	return scanUser(row)
}

// SetFaceEmbedding replaces the user's enrolled embedding; each user keeps at
// most one.
func (r *Repository) SetFaceEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	raw, err := json.Marshal(embedding)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE users SET face_embedding = $2, face_enrolled_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, raw)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Errf(KindNotFound, "user %s not found", id)
	}
	return nil
}

// Population returns every enrolled embedding ordered by user id, so a
// distance tie resolves to the lowest id.
func (r *Repository) Population(ctx context.Context) ([]Candidate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, face_embedding FROM users
		WHERE face_embedding IS NOT NULL AND is_active
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var c Candidate
		var raw []byte
		if err := rows.Scan(&c.UserID, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &c.Embedding); err != nil {
			return nil, fmt.Errorf("decode embedding for %s: %w", c.UserID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---------- batches & subjects ----------

// GetBatch returns a batch by id, nil when absent.
func (r *Repository) GetBatch(ctx context.Context, id int64) (*Batch, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, code, start_year, end_year, created_at FROM batches WHERE id = $1
	`, id)
	var b Batch
	if err := row.Scan(&b.ID, &b.Name, &b.Code, &b.StartYear, &b.EndYear, &b.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &b, nil
}

// GetSubject returns a subject by id, nil when absent.
func (r *Repository) GetSubject(ctx context.Context, id int64) (*Subject, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, batch_id, faculty_id, name, code, created_at FROM subjects WHERE id = $1
	`, id)
	var s Subject
	if err := row.Scan(&s.ID, &s.BatchID, &s.FacultyID, &s.Name, &s.Code, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// ---------- attendance windows ----------

const windowColumns = `id, batch_id, subject_id, started_at, duration_seconds, is_active, last_interacted_by, created_at`

func scanWindow(row interface{ Scan(...any) error }) (*Window, error) {
	var w Window
	var durationSec int64
	err := row.Scan(&w.ID, &w.BatchID, &w.SubjectID, &w.StartedAt, &durationSec,
		&w.Active, &w.LastInteractedBy, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	w.Duration = time.Duration(durationSec) * time.Second
	return &w, nil
}

// GetWindow returns a window by id, nil when absent.
func (r *Repository) GetWindow(ctx context.Context, id uuid.UUID) (*Window, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+windowColumns+` FROM attendance_windows WHERE id = $1`, id)
	return scanWindow(row)
}

// CurrentWindow returns the most recently created window for the batch+subject
// pair; older windows for the pair stay retrievable by id but are not current.
func (r *Repository) CurrentWindow(ctx context.Context, batchID, subjectID int64) (*Window, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+windowColumns+` FROM attendance_windows
		WHERE batch_id = $1 AND subject_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, batchID, subjectID)
	return scanWindow(row)
}

// InsertWindow creates a new window row.
func (r *Repository) InsertWindow(ctx context.Context, w Window) (*Window, error) {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_windows (id, batch_id, subject_id, started_at, duration_seconds, is_active, last_interacted_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING `+windowColumns+`
	`, w.ID, w.BatchID, w.SubjectID, w.StartedAt, int64(w.Duration/time.Second), w.Active, w.LastInteractedBy)
	return scanWindow(row)
}

// UpdateWindow persists activation state and duration for an existing window.
func (r *Repository) UpdateWindow(ctx context.Context, w Window) (*Window, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE attendance_windows
		SET started_at = $2, duration_seconds = $3, is_active = $4, last_interacted_by = $5
		WHERE id = $1
		RETURNING `+windowColumns+`
	`, w.ID, w.StartedAt, int64(w.Duration/time.Second), w.Active, w.LastInteractedBy)
	return scanWindow(row)
}

// CloseWindow flips the active flag off. Lazy expiry: called by readers that
// observed the duration elapsed.
func (r *Repository) CloseWindow(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE attendance_windows SET is_active = FALSE WHERE id = $1`, id)
	return err
}

// ---------- attendance records ----------

const recordColumns = `id, user_id, window_id, date, status, marked_by, created_at, updated_at`

func scanRecord(row interface{ Scan(...any) error }, created *bool) (*Record, error) {
	var rec Record
	dest := []any{&rec.ID, &rec.UserID, &rec.WindowID, &rec.Date, &rec.Status,
		&rec.MarkedBy, &rec.CreatedAt, &rec.UpdatedAt}
	if created != nil {
		dest = append(dest, created)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// UpsertRecord writes the attendance outcome for (userID, windowID, date).
// The unique constraint makes insert-or-update a single atomic statement, so
// concurrent duplicates converge on one row; (xmax = 0) distinguishes a fresh
// insert from an overwrite. One retry on a transient failure, then the error
// surfaces as a storage conflict.
func (r *Repository) UpsertRecord(ctx context.Context, userID, windowID uuid.UUID, date time.Time, status string, markedBy uuid.UUID) (*Record, bool, error) {
	rec, created, err := r.upsertRecordOnce(ctx, userID, windowID, date, status, markedBy)
	if err != nil {
		rec, created, err = r.upsertRecordOnce(ctx, userID, windowID, date, status, markedBy)
	}
	if err != nil {
		return nil, false, Errf(KindStorageConflict, "attendance upsert failed: %v", err)
	}
	return rec, created, nil
}

func (r *Repository) upsertRecordOnce(ctx context.Context, userID, windowID uuid.UUID, date time.Time, status string, markedBy uuid.UUID) (*Record, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_records (id, user_id, window_id, date, status, marked_by)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id, window_id, date) DO UPDATE SET
			status = EXCLUDED.status,
			marked_by = EXCLUDED.marked_by,
			updated_at = NOW()
		RETURNING `+recordColumns+`, (xmax = 0)
	`, uuid.New(), userID, windowID, date, status, markedBy)
	var created bool
	rec, err := scanRecord(row, &created)
	if err != nil {
		return nil, false, err
	}
	return rec, created, nil
}

// GetRecord returns a record by id, nil when absent.
func (r *Repository) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM attendance_records WHERE id = $1`, id)
	return scanRecord(row, nil)
}

// ListRecords returns records with basic filters.
func (r *Repository) ListRecords(ctx context.Context, windowID *uuid.UUID, date *time.Time, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	args := []any{}
	clauses := []string{}
	if windowID != nil {
		clauses = append(clauses, fmt.Sprintf("window_id = $%d", len(args)+1))
		args = append(args, *windowID)
	}
	if date != nil {
		clauses = append(clauses, fmt.Sprintf("date = $%d", len(args)+1))
		args = append(args, *date)
	}
	if len(clauses) > 0 {
		query += " WHERE " + joinClauses(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows, nil)
		if err != nil {
			return nil, err
		}
		res = append(res, *rec)
	}
	return res, rows.Err()
}

// ---------- audit ----------

// InsertAudit records a processed verification outcome for the trail the
// worker maintains.
func (r *Repository) InsertAudit(ctx context.Context, recordID uuid.UUID, outcome string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_audit (record_id, outcome) VALUES ($1, $2)
	`, recordID, outcome)
	return err
}

// ---------- refresh tokens ----------

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (user_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, userID, token, expiresAt)
	return err
}

// RevokeRefreshToken marks a token revoked.
func (r *Repository) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE token = $1`, token)
	return err
}

// RefreshTokenValid reports whether token is stored, unrevoked, and unexpired.
func (r *Repository) RefreshTokenValid(ctx context.Context, token string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM refresh_tokens
			WHERE token = $1 AND NOT revoked AND expires_at > NOW()
		)
	`, token)
	var ok bool
	if err := row.Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func joinClauses(parts []string, sep string) string {
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for i := 1; i < len(parts); i++ {
		out += sep + parts[i]
	}
	return out
}
