// Package store provides storage backends for ConvoFlow.
//
// This file implements an SQLite-backed store for flow definitions,
// contacts, and contact flow state.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/convoflow/convoflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) ListActiveFlows() ([]models.Flow, error) {
	rows, err := s.db.Query(`SELECT id, name, active, trigger_keywords, requires_auth FROM flows WHERE active = 1 ORDER BY name`)
	if err != nil {
		slog.Error("SQLiteStore ListActiveFlows query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		var f models.Flow
		var keywords string
		if err := rows.Scan(&f.ID, &f.Name, &f.Active, &keywords, &f.RequiresAuth); err != nil {
			slog.Error("SQLiteStore ListActiveFlows scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		f.TriggerKeywords = keywordsFromColumn(keywords)
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	return flows, nil
}

func (s *SQLiteStore) GetFlow(id string) (*models.Flow, error) {
	return s.getFlowWhere(`id = ?`, id)
}

func (s *SQLiteStore) GetFlowByName(name string) (*models.Flow, error) {
	return s.getFlowWhere(`name = ?`, name)
}

func (s *SQLiteStore) getFlowWhere(where string, arg any) (*models.Flow, error) {
	var f models.Flow
	var keywords string
	err := s.db.QueryRow(`SELECT id, name, active, trigger_keywords, requires_auth FROM flows WHERE `+where, arg).
		Scan(&f.ID, &f.Name, &f.Active, &keywords, &f.RequiresAuth)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore flow lookup failed", "error", err)
		return nil, fmt.Errorf("failed to query flow: %w", err)
	}
	f.TriggerKeywords = keywordsFromColumn(keywords)
	return &f, nil
}

func (s *SQLiteStore) SaveFlow(f models.Flow) error {
	keywords, err := keywordsToColumn(f.TriggerKeywords)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO flows (id, name, active, trigger_keywords, requires_auth) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, active = excluded.active,
		trigger_keywords = excluded.trigger_keywords, requires_auth = excluded.requires_auth`,
		f.ID, f.Name, f.Active, keywords, f.RequiresAuth)
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "flow", f.Name)
		return fmt.Errorf("failed to save flow %s: %w", f.Name, err)
	}
	slog.Debug("SQLiteStore SaveFlow succeeded", "flow", f.Name)
	return nil
}

func (s *SQLiteStore) GetStep(id string) (*models.Step, error) {
	return s.getStepWhere(`id = ?`, id)
}

func (s *SQLiteStore) GetEntryStep(flowID string) (*models.Step, error) {
	return s.getStepWhere(`flow_id = ? AND is_entry_point = 1`, flowID)
}

func (s *SQLiteStore) getStepWhere(where string, arg any) (*models.Step, error) {
	var id, flowID, stepType string
	var isEntry bool
	var config, fallback sql.NullString
	err := s.db.QueryRow(`SELECT id, flow_id, step_type, is_entry_point, config, fallback FROM steps WHERE `+where, arg).
		Scan(&id, &flowID, &stepType, &isEntry, &config, &fallback)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore step lookup failed", "error", err)
		return nil, fmt.Errorf("failed to query step: %w", err)
	}
	return decodeStepRow(id, flowID, stepType, isEntry, config.String, fallback.String)
}

func (s *SQLiteStore) SaveStep(st models.Step) error {
	config, fallback, err := encodeStepRow(st)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO steps (id, flow_id, step_type, is_entry_point, config, fallback) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET flow_id = excluded.flow_id, step_type = excluded.step_type,
		is_entry_point = excluded.is_entry_point, config = excluded.config, fallback = excluded.fallback`,
		st.ID, st.FlowID, string(st.Type), st.IsEntryPoint, nilIfEmpty(config), nilIfEmpty(fallback))
	if err != nil {
		slog.Error("SQLiteStore SaveStep failed", "error", err, "step", st.ID)
		return fmt.Errorf("failed to save step %s: %w", st.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListTransitions(fromStepID string) ([]models.Transition, error) {
	// rowid preserves declaration order for equal priorities.
	rows, err := s.db.Query(`SELECT id, flow_id, from_step_id, to_step_id, priority, condition
		FROM transitions WHERE from_step_id = ? ORDER BY priority, rowid`, fromStepID)
	if err != nil {
		slog.Error("SQLiteStore ListTransitions query failed", "error", err, "from_step", fromStepID)
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var transitions []models.Transition
	for rows.Next() {
		var t models.Transition
		var condition string
		if err := rows.Scan(&t.ID, &t.FlowID, &t.FromStepID, &t.ToStepID, &t.Priority, &condition); err != nil {
			return nil, fmt.Errorf("failed to scan transition row: %w", err)
		}
		if err := json.Unmarshal([]byte(condition), &t.Condition); err != nil {
			slog.Error("SQLiteStore ListTransitions condition decode failed", "error", err, "transition", t.ID)
			return nil, fmt.Errorf("failed to decode condition for transition %s: %w", t.ID, err)
		}
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transition rows: %w", err)
	}
	return transitions, nil
}

func (s *SQLiteStore) SaveTransition(t models.Transition) error {
	condition, err := marshalJSON(t.Condition)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO transitions (id, flow_id, from_step_id, to_step_id, priority, condition) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET flow_id = excluded.flow_id, from_step_id = excluded.from_step_id,
		to_step_id = excluded.to_step_id, priority = excluded.priority, condition = excluded.condition`,
		t.ID, t.FlowID, t.FromStepID, t.ToStepID, t.Priority, condition)
	if err != nil {
		slog.Error("SQLiteStore SaveTransition failed", "error", err, "transition", t.ID)
		return fmt.Errorf("failed to save transition %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetContact(id string) (*models.Contact, error) {
	var c models.Contact
	var displayName, customFields, profileID sql.NullString
	var needsHumanSince sql.NullTime
	err := s.db.QueryRow(`SELECT id, phone_number, display_name, needs_human, needs_human_since, custom_fields, profile_id, created_at, updated_at
		FROM contacts WHERE id = ?`, id).
		Scan(&c.ID, &c.PhoneNumber, &displayName, &c.NeedsHuman, &needsHumanSince, &customFields, &profileID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetContact failed", "error", err, "contact", id)
		return nil, fmt.Errorf("failed to query contact %s: %w", id, err)
	}
	c.DisplayName = displayName.String
	c.ProfileID = profileID.String
	if needsHumanSince.Valid {
		c.NeedsHumanSince = &needsHumanSince.Time
	}
	if customFields.String != "" {
		if err := json.Unmarshal([]byte(customFields.String), &c.CustomFields); err != nil {
			slog.Error("SQLiteStore GetContact custom_fields decode failed", "error", err, "contact", id)
			c.CustomFields = nil
		}
	}
	return &c, nil
}

func (s *SQLiteStore) SaveContact(c models.Contact) error {
	customFields, err := marshalJSON(c.CustomFields)
	if err != nil {
		return err
	}
	var since any
	if c.NeedsHumanSince != nil {
		since = *c.NeedsHumanSince
	}
	_, err = s.db.Exec(`INSERT INTO contacts (id, phone_number, display_name, needs_human, needs_human_since, custom_fields, profile_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET phone_number = excluded.phone_number, display_name = excluded.display_name,
		needs_human = excluded.needs_human, needs_human_since = excluded.needs_human_since,
		custom_fields = excluded.custom_fields, profile_id = excluded.profile_id, updated_at = excluded.updated_at`,
		c.ID, c.PhoneNumber, nilIfEmpty(c.DisplayName), c.NeedsHuman, since, nilIfEmpty(customFields), nilIfEmpty(c.ProfileID), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveContact failed", "error", err, "contact", c.ID)
		return fmt.Errorf("failed to save contact %s: %w", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetCustomerProfile(id string) (*models.CustomerProfile, error) {
	var p models.CustomerProfile
	var firstName, lastName, email, birthDate, gender, attributes sql.NullString
	var lastUpdate sql.NullTime
	err := s.db.QueryRow(`SELECT id, first_name, last_name, email, birth_date, gender, attributes, last_conversation_update
		FROM customer_profiles WHERE id = ?`, id).
		Scan(&p.ID, &firstName, &lastName, &email, &birthDate, &gender, &attributes, &lastUpdate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetCustomerProfile failed", "error", err, "profile", id)
		return nil, fmt.Errorf("failed to query customer profile %s: %w", id, err)
	}
	p.FirstName = firstName.String
	p.LastName = lastName.String
	p.Email = email.String
	p.BirthDate = birthDate.String
	p.Gender = gender.String
	if lastUpdate.Valid {
		p.LastConversationUpdate = &lastUpdate.Time
	}
	if attributes.String != "" {
		if err := json.Unmarshal([]byte(attributes.String), &p.Attributes); err != nil {
			slog.Error("SQLiteStore GetCustomerProfile attributes decode failed", "error", err, "profile", id)
			p.Attributes = nil
		}
	}
	return &p, nil
}

func (s *SQLiteStore) SaveCustomerProfile(p models.CustomerProfile) error {
	attributes, err := marshalJSON(p.Attributes)
	if err != nil {
		return err
	}
	var lastUpdate any
	if p.LastConversationUpdate != nil {
		lastUpdate = *p.LastConversationUpdate
	}
	_, err = s.db.Exec(`INSERT INTO customer_profiles (id, first_name, last_name, email, birth_date, gender, attributes, last_conversation_update)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET first_name = excluded.first_name, last_name = excluded.last_name,
		email = excluded.email, birth_date = excluded.birth_date, gender = excluded.gender,
		attributes = excluded.attributes, last_conversation_update = excluded.last_conversation_update`,
		p.ID, nilIfEmpty(p.FirstName), nilIfEmpty(p.LastName), nilIfEmpty(p.Email), nilIfEmpty(p.BirthDate),
		nilIfEmpty(p.Gender), nilIfEmpty(attributes), lastUpdate)
	if err != nil {
		slog.Error("SQLiteStore SaveCustomerProfile failed", "error", err, "profile", p.ID)
		return fmt.Errorf("failed to save customer profile %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetContactFlowState(contactID string) (*models.ContactFlowState, error) {
	var st models.ContactFlowState
	var contextJSON, pendingJSON sql.NullString
	err := s.db.QueryRow(`SELECT id, contact_id, flow_id, step_id, context, pending_question, retry_count, created_at, updated_at
		FROM contact_flow_states WHERE contact_id = ?`, contactID).
		Scan(&st.ID, &st.ContactID, &st.FlowID, &st.StepID, &contextJSON, &pendingJSON, &st.RetryCount, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetContactFlowState not found", "contact", contactID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetContactFlowState failed", "error", err, "contact", contactID)
		return nil, fmt.Errorf("failed to query flow state for %s: %w", contactID, err)
	}
	if contextJSON.String != "" {
		st.Context = make(map[string]any)
		if err := json.Unmarshal([]byte(contextJSON.String), &st.Context); err != nil {
			slog.Error("SQLiteStore GetContactFlowState context decode failed", "error", err, "contact", contactID)
			st.Context = make(map[string]any)
		}
	}
	if pendingJSON.String != "" {
		var pending models.PendingQuestion
		if err := json.Unmarshal([]byte(pendingJSON.String), &pending); err != nil {
			slog.Error("SQLiteStore GetContactFlowState pending decode failed", "error", err, "contact", contactID)
		} else {
			st.Pending = &pending
		}
	}
	return &st, nil
}

func (s *SQLiteStore) SaveContactFlowState(st models.ContactFlowState) error {
	contextJSON, err := marshalJSON(st.Context)
	if err != nil {
		return err
	}
	var pendingJSON string
	if st.Pending != nil {
		pendingJSON, err = marshalJSON(st.Pending)
		if err != nil {
			return err
		}
	}
	_, err = s.db.Exec(`INSERT INTO contact_flow_states (id, contact_id, flow_id, step_id, context, pending_question, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(contact_id) DO UPDATE SET flow_id = excluded.flow_id, step_id = excluded.step_id,
		context = excluded.context, pending_question = excluded.pending_question,
		retry_count = excluded.retry_count, updated_at = excluded.updated_at`,
		st.ID, st.ContactID, st.FlowID, st.StepID, nilIfEmpty(contextJSON), nilIfEmpty(pendingJSON), st.RetryCount, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveContactFlowState failed", "error", err, "contact", st.ContactID)
		return fmt.Errorf("failed to save flow state for %s: %w", st.ContactID, err)
	}
	slog.Debug("SQLiteStore SaveContactFlowState succeeded", "contact", st.ContactID, "flow", st.FlowID, "step", st.StepID)
	return nil
}

func (s *SQLiteStore) DeleteContactFlowState(contactID string) error {
	_, err := s.db.Exec(`DELETE FROM contact_flow_states WHERE contact_id = ?`, contactID)
	if err != nil {
		slog.Error("SQLiteStore DeleteContactFlowState failed", "error", err, "contact", contactID)
		return fmt.Errorf("failed to delete flow state for %s: %w", contactID, err)
	}
	slog.Debug("SQLiteStore DeleteContactFlowState succeeded", "contact", contactID)
	return nil
}

func (s *SQLiteStore) DeleteInactiveFlowStates(olderThan time.Time) ([]models.ContactFlowState, error) {
	rows, err := s.db.Query(`SELECT contact_id FROM contact_flow_states WHERE updated_at < ?`, olderThan)
	if err != nil {
		slog.Error("SQLiteStore DeleteInactiveFlowStates query failed", "error", err)
		return nil, fmt.Errorf("failed to query inactive flow states: %w", err)
	}
	var contactIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan inactive state row: %w", err)
		}
		contactIDs = append(contactIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate inactive state rows: %w", err)
	}

	var removed []models.ContactFlowState
	for _, contactID := range contactIDs {
		st, err := s.GetContactFlowState(contactID)
		if err != nil || st == nil {
			continue
		}
		if err := s.DeleteContactFlowState(contactID); err != nil {
			return removed, err
		}
		removed = append(removed, *st)
	}
	slog.Debug("SQLiteStore DeleteInactiveFlowStates succeeded", "count", len(removed))
	return removed, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
