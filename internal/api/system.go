package api

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/signalflow/internal/cache"
	"github.com/roach88/signalflow/internal/engine"
	"github.com/roach88/signalflow/internal/model"
	"github.com/roach88/signalflow/internal/predict"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.cache != nil {
		if st, ok := cache.Lookup[model.Settings](s.cache, cache.SettingsKey); ok {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}
	st, err := s.store.LatestSettings(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.cache != nil {
		s.cache.Set(cache.SettingsKey, st, cache.SettingsTTL)
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body model.Settings
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.MLModelType != "" && !predict.KnownModelType(body.MLModelType) {
		s.fail(w, r, unprocessable("unknown ml_model_type %q", body.MLModelType))
		return
	}
	v, err := s.engine.Submit(r.Context(), engine.Event{Type: engine.EventSettings, Settings: &body})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	saved := v.(model.Settings)
	if s.cache != nil {
		s.cache.Set(cache.SettingsKey, saved, cache.SettingsTTL)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "success",
		"message":  "Settings updated successfully",
		"settings": saved,
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// UserRequest is the body of POST /system/users.
type UserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Password string `json:"password"`
}

var userRoles = map[string]bool{"admin": true, "operator": true, "viewer": true}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body UserRequest
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Username == "" {
		s.fail(w, r, unprocessable("username is required"))
		return
	}
	if body.Role != "" && !userRoles[body.Role] {
		s.fail(w, r, unprocessable("role must be admin, operator or viewer"))
		return
	}
	u := model.User{Username: body.Username, Email: body.Email, Role: body.Role}
	if body.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(body.Password), bcrypt.DefaultCost)
		if err != nil {
			s.fail(w, r, unprocessable("password: %v", err))
			return
		}
		u.PasswordHash = string(hash)
	}
	created, err := s.store.CreateUser(r.Context(), u)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Info("user created", "username", created.Username, "role", created.Role)
	writeJSON(w, http.StatusCreated, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("User %s created successfully", created.Username),
		"user":    created,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	level, err := parseLevelFilter(r.URL.Query().Get("level"))
	if err != nil {
		s.fail(w, r, invalid("%v", err))
		return
	}
	rng, err := rangeParams(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	logs := s.logs.Entries(LogQuery{Level: level, Start: rng.Start, End: rng.End, Limit: limit})
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"count": len(logs),
		"filters": map[string]any{
			"level":      level,
			"start_time": rng.Start,
			"end_time":   rng.End,
			"limit":      limit,
		},
	})
}

// backupName matches the files written by handleBackup.
var backupName = regexp.MustCompile(`^signalflow-\d{8}T\d{6}Z\.db$`)

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		s.fail(w, r, fmt.Errorf("create backup directory: %w", err))
		return
	}
	id := "signalflow-" + s.now().UTC().Format("20060102T150405Z") + ".db"
	path := filepath.Join(s.backupDir, id)
	if _, err := os.Stat(path); err == nil {
		writeError(w, http.StatusConflict, "backup %s already exists", id)
		return
	}
	if err := s.store.Backup(r.Context(), path); err != nil {
		s.fail(w, r, err)
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		s.fail(w, r, fmt.Errorf("stat backup: %w", err))
		return
	}
	s.log.Info("backup written", "path", path, "bytes", info.Size())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"backup_id": id,
		"path":      path,
		"size":      info.Size(),
		"timestamp": s.now().UTC(),
	})
}

// handleRestore checks the backup exists. Swapping the database file needs
// the coordinator stopped, so the restore is applied on the next start.
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("backup")
	if !backupName.MatchString(id) {
		s.fail(w, r, invalid("invalid backup id %q", id))
		return
	}
	path := filepath.Join(s.backupDir, id)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "backup %s not found", id)
			return
		}
		s.fail(w, r, err)
		return
	}
	s.log.Warn("restore requested", "backup", id)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "initiated",
		"backup_id": id,
		"message":   "Restore will be applied when the coordinator restarts",
	})
}
