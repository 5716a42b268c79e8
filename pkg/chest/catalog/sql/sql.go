// Package sql implements the catalog against a relational database. The
// statements stick to portable SQL with ? placeholders so the driver runs on
// mysql in production and on sqlite3 in tests. The mysql schema in mysql.sql
// is applied on driver init; every statement is idempotent.
package sql

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/dropchest/dropchest/pkg/chest"
	"github.com/dropchest/dropchest/pkg/chest/catalog"
	"github.com/dropchest/dropchest/pkg/chest/catalog/registry"
	"github.com/dropchest/dropchest/pkg/errtypes"
)

func init() {
	registry.Register("sql", NewMysql)
}

type config struct {
	DBUsername string `mapstructure:"db_username"`
	DBPassword string `mapstructure:"db_password"`
	DBHost     string `mapstructure:"db_host"`
	DBPort     int    `mapstructure:"db_port"`
	DBName     string `mapstructure:"db_name"`
}

type mgr struct {
	db *sql.DB
}

// NewMysql returns a catalog connected to a mysql database.
func NewMysql(m map[string]interface{}) (catalog.Catalog, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "sql: error decoding config")
	}
	if c.DBPort == 0 {
		c.DBPort = 3306
	}

	// parseTime makes DATETIME columns scan into time.Time.
	db, err := sql.Open("mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", c.DBUsername, c.DBPassword, c.DBHost, c.DBPort, c.DBName))
	if err != nil {
		return nil, errors.Wrap(err, "sql: error opening connection to mysql database")
	}
	if err := bootstrap(db); err != nil {
		return nil, err
	}
	return New(db)
}

//go:embed mysql.sql
var mysqlSchema string

// bootstrap applies the mysql schema statement by statement. The DDL only
// uses CREATE TABLE IF NOT EXISTS, so running it against an existing
// database is a no-op.
func bootstrap(db *sql.DB) error {
	for _, stmt := range strings.Split(mysqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "sql: error bootstrapping schema")
		}
	}
	return nil
}

// New returns a catalog using the given connection.
func New(db *sql.DB) (catalog.Catalog, error) {
	return &mgr{db: db}, nil
}

const sessionColumns = "id, retrieval_code, upload_complete, expires_at, created_at, updated_at"

func scanSession(row interface{ Scan(...interface{}) error }) (*chest.Session, error) {
	var s chest.Session
	var code sql.NullString
	var expires sql.NullTime
	if err := row.Scan(&s.ID, &code, &s.UploadComplete, &expires, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.RetrievalCode = code.String
	if expires.Valid {
		t := expires.Time
		s.ExpiresAt = &t
	}
	return &s, nil
}

func (m *mgr) InsertSession(ctx context.Context, id string, now time.Time) error {
	_, err := m.db.ExecContext(ctx,
		"INSERT INTO sessions (id, upload_complete, created_at, updated_at, is_deleted) VALUES (?, 0, ?, ?, 0)",
		id, now, now)
	if err != nil {
		return errors.Wrap(err, "sql: error inserting session")
	}
	return nil
}

func (m *mgr) GetOpenSession(ctx context.Context, id string) (*chest.Session, error) {
	row := m.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ? AND upload_complete = 0 AND is_deleted = 0",
		id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errtypes.NotFound("open session " + id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "sql: error getting open session")
	}
	return s, nil
}

func (m *mgr) GetSealedByCode(ctx context.Context, code string, now time.Time) (*chest.Session, error) {
	row := m.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE retrieval_code = ? AND upload_complete = 1 AND is_deleted = 0 AND (expires_at IS NULL OR expires_at > ?)",
		code, now)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errtypes.NotFound("retrieval code " + code)
	}
	if err != nil {
		return nil, errors.Wrap(err, "sql: error getting session by code")
	}
	return s, nil
}

func (m *mgr) MarkSealed(ctx context.Context, id, code string, expiresAt *time.Time, now time.Time) error {
	res, err := m.db.ExecContext(ctx,
		"UPDATE sessions SET retrieval_code = ?, upload_complete = 1, expires_at = ?, updated_at = ? WHERE id = ? AND upload_complete = 0 AND is_deleted = 0",
		code, expiresAt, now, id)
	if err != nil {
		if isUniqueViolation(err) {
			return errtypes.AlreadyExists("retrieval code " + code)
		}
		return errors.Wrap(err, "sql: error sealing session")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sql: error reading affected rows")
	}
	// Zero rows means the session is gone or a concurrent sealer won.
	if affected == 0 {
		return errtypes.NotFound("open session " + id)
	}
	return nil
}

func (m *mgr) InsertFiles(ctx context.Context, files []*chest.File) error {
	if len(files) == 0 {
		return nil
	}
	// One multi-row insert so the batch is a single write.
	var b strings.Builder
	b.WriteString("INSERT INTO files (id, session_id, original_filename, mime_type, file_size, file_extension, is_text, created_at, updated_at, is_deleted) VALUES ")
	args := make([]interface{}, 0, len(files)*9)
	for i, f := range files {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, 0)")
		args = append(args, f.ID, f.SessionID, f.OriginalFilename, f.MimeType, f.FileSize, f.FileExtension, f.IsText, f.CreatedAt, f.UpdatedAt)
	}
	if _, err := m.db.ExecContext(ctx, b.String(), args...); err != nil {
		return errors.Wrap(err, "sql: error inserting files")
	}
	return nil
}

const fileColumns = "id, session_id, original_filename, mime_type, file_size, file_extension, is_text, created_at, updated_at"

func scanFile(row interface{ Scan(...interface{}) error }) (*chest.File, error) {
	var f chest.File
	if err := row.Scan(&f.ID, &f.SessionID, &f.OriginalFilename, &f.MimeType, &f.FileSize, &f.FileExtension, &f.IsText, &f.CreatedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func (m *mgr) ListSessionFiles(ctx context.Context, sessionID string) ([]*chest.File, error) {
	rows, err := m.db.QueryContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE session_id = ? AND is_deleted = 0 ORDER BY created_at ASC, id ASC",
		sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "sql: error listing session files")
	}
	defer rows.Close()

	var files []*chest.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sql: error scanning file row")
		}
		files = append(files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sql: error iterating file rows")
	}
	return files, nil
}

func (m *mgr) CountSessionFiles(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM files WHERE session_id = ? AND is_deleted = 0",
		sessionID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "sql: error counting session files")
	}
	return count, nil
}

func (m *mgr) GetDownloadableFile(ctx context.Context, fileID string, now time.Time) (*chest.File, error) {
	row := m.db.QueryRowContext(ctx,
		"SELECT f.id, f.session_id, f.original_filename, f.mime_type, f.file_size, f.file_extension, f.is_text, f.created_at, f.updated_at "+
			"FROM files f JOIN sessions s ON f.session_id = s.id "+
			"WHERE f.id = ? AND f.is_deleted = 0 AND s.is_deleted = 0 AND s.upload_complete = 1 AND (s.expires_at IS NULL OR s.expires_at > ?)",
		fileID, now)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, errtypes.NotFound("file " + fileID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "sql: error getting downloadable file")
	}
	return f, nil
}

func (m *mgr) SoftDeleteSessionFiles(ctx context.Context, sessionID string, now time.Time) error {
	_, err := m.db.ExecContext(ctx,
		"UPDATE files SET is_deleted = 1, updated_at = ? WHERE session_id = ? AND is_deleted = 0",
		now, sessionID)
	if err != nil {
		return errors.Wrap(err, "sql: error soft-deleting session files")
	}
	return nil
}

func (m *mgr) SoftDeleteSession(ctx context.Context, sessionID string, now time.Time) error {
	_, err := m.db.ExecContext(ctx,
		"UPDATE sessions SET is_deleted = 1, updated_at = ? WHERE id = ? AND is_deleted = 0",
		now, sessionID)
	if err != nil {
		return errors.Wrap(err, "sql: error soft-deleting session")
	}
	return nil
}

func (m *mgr) SelectExpiredSessions(ctx context.Context, now time.Time) ([]*chest.Session, error) {
	return m.selectSessions(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE upload_complete = 1 AND is_deleted = 0 AND expires_at IS NOT NULL AND expires_at <= ?",
		now)
}

func (m *mgr) SelectAbandonedSessions(ctx context.Context, cutoff time.Time) ([]*chest.Session, error) {
	return m.selectSessions(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE upload_complete = 0 AND is_deleted = 0 AND created_at < ?",
		cutoff)
}

func (m *mgr) selectSessions(ctx context.Context, query string, arg interface{}) ([]*chest.Session, error) {
	rows, err := m.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, errors.Wrap(err, "sql: error selecting sessions")
	}
	defer rows.Close()

	var sessions []*chest.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sql: error scanning session row")
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sql: error iterating session rows")
	}
	return sessions, nil
}

// isUniqueViolation recognizes unique-index violations from both drivers the
// catalog runs on: mysql error 1062 and sqlite's textual constraint error.
func isUniqueViolation(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
