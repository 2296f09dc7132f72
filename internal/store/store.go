package store

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// RouteTemplate is one harvested route usable for playback.
type RouteTemplate struct {
	ID          int64
	SchoolCode  string
	SportRange  float64 // declared distance, km
	RunLinePath string  // JSON polyline [[lon,lat],...]
}

// Polyline decodes the stored path.
func (r RouteTemplate) Polyline() ([][]float64, error) {
	var path [][]float64
	if err := json.Unmarshal([]byte(r.RunLinePath), &path); err != nil {
		return nil, errors.Wrap(err, "failed to decode route path")
	}
	return path, nil
}

// AccountRecord is one locally persisted account.
type AccountRecord struct {
	ID           int64
	Username     string
	Password     string
	Token        string
	RefreshToken string
	UserID       string
	SchoolID     string
	SchoolCode   string
	DeviceBrand  string
	DeviceModel  string
	OSVersion    string
	DeviceID     string
	Abis         string
}

// Store is the local sqlite persistence for accounts and route templates.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS run_paths (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	school_code TEXT NOT NULL,
	sport_range REAL NOT NULL,
	run_line_path TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_paths_school ON run_paths(school_code);

CREATE TABLE IF NOT EXISTS accounts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	school_id TEXT NOT NULL DEFAULT '',
	school_code TEXT NOT NULL DEFAULT '',
	device_brand TEXT NOT NULL DEFAULT '',
	device_model TEXT NOT NULL DEFAULT '',
	os_version TEXT NOT NULL DEFAULT '',
	device_id TEXT NOT NULL DEFAULT '',
	abis TEXT NOT NULL DEFAULT ''
);
`

// New opens (and if needed initializes) the store at the given file path.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// QueryNearest returns up to limit route templates for the school ordered by
// closeness of declared distance to the requested kilometers.
func (s *Store) QueryNearest(ctx context.Context, schoolCode string, km float64, limit int) ([]RouteTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, school_code, sport_range, run_line_path
		 FROM run_paths WHERE school_code = ?
		 ORDER BY ABS(sport_range - ?) LIMIT ?`,
		schoolCode, km, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query routes")
	}
	defer rows.Close()

	var routes []RouteTemplate
	for rows.Next() {
		var r RouteTemplate
		if err := rows.Scan(&r.ID, &r.SchoolCode, &r.SportRange, &r.RunLinePath); err != nil {
			return nil, errors.Wrap(err, "failed to scan route")
		}
		routes = append(routes, r)
	}
	return routes, errors.Wrap(rows.Err(), "failed to iterate routes")
}

// InsertRoute stores one harvested route template.
func (s *Store) InsertRoute(ctx context.Context, r RouteTemplate) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_paths (school_code, sport_range, run_line_path) VALUES (?, ?, ?)`,
		r.SchoolCode, r.SportRange, r.RunLinePath)
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert route")
	}
	id, err := res.LastInsertId()
	return id, errors.Wrap(err, "failed to read route id")
}

// ListRoutes lists all routes for a school.
func (s *Store) ListRoutes(ctx context.Context, schoolCode string) ([]RouteTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, school_code, sport_range, run_line_path FROM run_paths WHERE school_code = ? ORDER BY sport_range`,
		schoolCode)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list routes")
	}
	defer rows.Close()

	var routes []RouteTemplate
	for rows.Next() {
		var r RouteTemplate
		if err := rows.Scan(&r.ID, &r.SchoolCode, &r.SportRange, &r.RunLinePath); err != nil {
			return nil, errors.Wrap(err, "failed to scan route")
		}
		routes = append(routes, r)
	}
	return routes, errors.Wrap(rows.Err(), "failed to iterate routes")
}

// SaveAccount upserts an account keyed by username.
func (s *Store) SaveAccount(ctx context.Context, a AccountRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (username, password, token, refresh_token, user_id, school_id, school_code,
			device_brand, device_model, os_version, device_id, abis)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET
			password=excluded.password, token=excluded.token, refresh_token=excluded.refresh_token,
			user_id=excluded.user_id, school_id=excluded.school_id, school_code=excluded.school_code,
			device_brand=excluded.device_brand, device_model=excluded.device_model,
			os_version=excluded.os_version, device_id=excluded.device_id, abis=excluded.abis`,
		a.Username, a.Password, a.Token, a.RefreshToken, a.UserID, a.SchoolID, a.SchoolCode,
		a.DeviceBrand, a.DeviceModel, a.OSVersion, a.DeviceID, a.Abis)
	return errors.Wrap(err, "failed to save account")
}

// GetAccount fetches an account by username.
func (s *Store) GetAccount(ctx context.Context, username string) (*AccountRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password, token, refresh_token, user_id, school_id, school_code,
			device_brand, device_model, os_version, device_id, abis
		 FROM accounts WHERE username = ?`, username)

	var a AccountRecord
	err := row.Scan(&a.ID, &a.Username, &a.Password, &a.Token, &a.RefreshToken, &a.UserID, &a.SchoolID,
		&a.SchoolCode, &a.DeviceBrand, &a.DeviceModel, &a.OSVersion, &a.DeviceID, &a.Abis)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf("account not found: %s", username)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load account")
	}
	return &a, nil
}
