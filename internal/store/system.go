package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/signalflow/internal/model"
)

// SaveSettings appends a settings row and returns it with ID and CreatedAt set.
// Settings are append-only; the newest row is current.
func (s *Store) SaveSettings(ctx context.Context, st model.Settings) (model.Settings, error) {
	if st.CreatedAt.IsZero() {
		st.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO settings
		(ml_model_type, optimization_algorithm, emergency_vehicle_priority, green_wave_coordination,
		 data_retention_days, api_endpoint, notification_email, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		st.MLModelType, st.OptimizationAlgorithm, boolInt(st.EmergencyVehiclePriority),
		boolInt(st.GreenWaveCoordination), st.DataRetentionDays, st.APIEndpoint, st.NotificationEmail,
		unixMillis(st.CreatedAt),
	)
	if err != nil {
		return st, fmt.Errorf("save settings: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return st, fmt.Errorf("save settings: %w", err)
	}
	st.ID = id
	return st, nil
}

// LatestSettings returns the newest settings row, or model.DefaultSettings
// when none has been saved.
func (s *Store) LatestSettings(ctx context.Context) (model.Settings, error) {
	var (
		st       model.Settings
		evp, gwc int
		created  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, ml_model_type, optimization_algorithm, emergency_vehicle_priority, green_wave_coordination,
			data_retention_days, api_endpoint, notification_email, created_at
		FROM settings
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&st.ID, &st.MLModelType, &st.OptimizationAlgorithm, &evp, &gwc,
		&st.DataRetentionDays, &st.APIEndpoint, &st.NotificationEmail, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultSettings(), nil
	}
	if err != nil {
		return model.Settings{}, fmt.Errorf("latest settings: %w", err)
	}
	st.EmergencyVehiclePriority = evp != 0
	st.GreenWaveCoordination = gwc != 0
	st.CreatedAt = fromMillis(created)
	return st, nil
}

// CreateUser inserts an operator account.
// Returns ErrConflict if the username is taken.
func (s *Store) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.Username == "" {
		return u, fmt.Errorf("create user: username is required")
	}
	if u.Role == "" {
		u.Role = "operator"
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, email, role, password_hash, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.Username, u.Email, u.Role, u.PasswordHash, unixMillis(u.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return u, fmt.Errorf("user %q: %w", u.Username, ErrConflict)
		}
		return u, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return u, fmt.Errorf("create user: %w", err)
	}
	u.ID = id
	return u, nil
}

// ListUsers returns users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, email, role, created_at, last_login
		FROM users
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	out := []model.User{}
	for rows.Next() {
		var (
			u         model.User
			created   int64
			lastLogin sql.NullInt64
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.Role, &created, &lastLogin); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.CreatedAt = fromMillis(created)
		if lastLogin.Valid {
			t := fromMillis(lastLogin.Int64)
			u.LastLogin = &t
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return out, nil
}

// UpsertDevice registers a field device or refreshes its registration.
func (s *Store) UpsertDevice(ctx context.Context, d model.Device) error {
	caps := d.Capabilities
	if caps == nil {
		caps = []string{}
	}
	capsJSON, err := marshalJSON("capabilities", caps)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	seen := d.LastSeen
	if seen.IsZero() {
		seen = s.now()
	}
	status := d.Status
	if status == "" {
		status = "online"
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (id, device_type, capabilities, lat, lon, status, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			device_type = excluded.device_type,
			capabilities = excluded.capabilities,
			lat = excluded.lat,
			lon = excluded.lon,
			status = excluded.status,
			last_seen = excluded.last_seen
	`, d.ID, d.Type, capsJSON, d.Location.Lat, d.Location.Lon, status, unixMillis(seen))
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// TouchDevice records a heartbeat. Returns ErrNotFound for unknown devices.
func (s *Store) TouchDevice(ctx context.Context, id, status string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET status = ?, last_seen = ? WHERE id = ?
	`, status, unixMillis(at), id)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return requireAffected(res, "device "+id)
}

// ListDevices returns registered devices ordered by id.
func (s *Store) ListDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_type, capabilities, lat, lon, status, last_seen
		FROM devices
		ORDER BY id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query devices: %w", err)
	}
	defer rows.Close()

	out := []model.Device{}
	for rows.Next() {
		var (
			d    model.Device
			caps string
			seen int64
		)
		if err := rows.Scan(&d.ID, &d.Type, &caps, &d.Location.Lat, &d.Location.Lon, &d.Status, &seen); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if err := unmarshalJSON("capabilities", caps, &d.Capabilities); err != nil {
			return nil, err
		}
		d.LastSeen = fromMillis(seen)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
