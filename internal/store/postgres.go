// Package store provides storage backends for ConvoFlow.
//
// This file implements a PostgreSQL-backed store for flow definitions,
// contacts, and contact flow state.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/convoflow/convoflow/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) ListActiveFlows() ([]models.Flow, error) {
	rows, err := s.db.Query(`SELECT id, name, active, trigger_keywords, requires_auth FROM flows WHERE active ORDER BY name`)
	if err != nil {
		slog.Error("PostgresStore ListActiveFlows query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		var f models.Flow
		var keywords string
		if err := rows.Scan(&f.ID, &f.Name, &f.Active, &keywords, &f.RequiresAuth); err != nil {
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

func (s *PostgresStore) GetFlow(id string) (*models.Flow, error) {
	return s.getFlowWhere(`id = $1`, id)
}

func (s *PostgresStore) GetFlowByName(name string) (*models.Flow, error) {
	return s.getFlowWhere(`name = $1`, name)
}

func (s *PostgresStore) getFlowWhere(where string, arg any) (*models.Flow, error) {
	var f models.Flow
	var keywords string
	err := s.db.QueryRow(`SELECT id, name, active, trigger_keywords, requires_auth FROM flows WHERE `+where, arg).
		Scan(&f.ID, &f.Name, &f.Active, &keywords, &f.RequiresAuth)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore flow lookup failed", "error", err)
		return nil, fmt.Errorf("failed to query flow: %w", err)
	}
	f.TriggerKeywords = keywordsFromColumn(keywords)
	return &f, nil
}

func (s *PostgresStore) SaveFlow(f models.Flow) error {
	keywords, err := keywordsToColumn(f.TriggerKeywords)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO flows (id, name, active, trigger_keywords, requires_auth) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, active = excluded.active,
		trigger_keywords = excluded.trigger_keywords, requires_auth = excluded.requires_auth`,
		f.ID, f.Name, f.Active, keywords, f.RequiresAuth)
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "flow", f.Name)
		return fmt.Errorf("failed to save flow %s: %w", f.Name, err)
	}
	return nil
}

func (s *PostgresStore) GetStep(id string) (*models.Step, error) {
	return s.getStepWhere(`id = $1`, id)
}

func (s *PostgresStore) GetEntryStep(flowID string) (*models.Step, error) {
	return s.getStepWhere(`flow_id = $1 AND is_entry_point`, flowID)
}

func (s *PostgresStore) getStepWhere(where string, arg any) (*models.Step, error) {
	var id, flowID, stepType string
	var isEntry bool
	var config, fallback sql.NullString
	err := s.db.QueryRow(`SELECT id, flow_id, step_type, is_entry_point, config, fallback FROM steps WHERE `+where, arg).
		Scan(&id, &flowID, &stepType, &isEntry, &config, &fallback)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore step lookup failed", "error", err)
		return nil, fmt.Errorf("failed to query step: %w", err)
	}
	return decodeStepRow(id, flowID, stepType, isEntry, config.String, fallback.String)
}

func (s *PostgresStore) SaveStep(st models.Step) error {
	config, fallback, err := encodeStepRow(st)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO steps (id, flow_id, step_type, is_entry_point, config, fallback) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT(id) DO UPDATE SET flow_id = excluded.flow_id, step_type = excluded.step_type,
		is_entry_point = excluded.is_entry_point, config = excluded.config, fallback = excluded.fallback`,
		st.ID, st.FlowID, string(st.Type), st.IsEntryPoint, nilIfEmpty(config), nilIfEmpty(fallback))
	if err != nil {
		slog.Error("PostgresStore SaveStep failed", "error", err, "step", st.ID)
		return fmt.Errorf("failed to save step %s: %w", st.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListTransitions(fromStepID string) ([]models.Transition, error) {
	// seq preserves declaration order for equal priorities.
	rows, err := s.db.Query(`SELECT id, flow_id, from_step_id, to_step_id, priority, condition
		FROM transitions WHERE from_step_id = $1 ORDER BY priority, seq`, fromStepID)
	if err != nil {
		slog.Error("PostgresStore ListTransitions query failed", "error", err, "from_step", fromStepID)
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
			slog.Error("PostgresStore ListTransitions condition decode failed", "error", err, "transition", t.ID)
			return nil, fmt.Errorf("failed to decode condition for transition %s: %w", t.ID, err)
		}
		transitions = append(transitions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transition rows: %w", err)
	}
	return transitions, nil
}

func (s *PostgresStore) SaveTransition(t models.Transition) error {
	condition, err := marshalJSON(t.Condition)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO transitions (id, flow_id, from_step_id, to_step_id, priority, condition) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT(id) DO UPDATE SET flow_id = excluded.flow_id, from_step_id = excluded.from_step_id,
		to_step_id = excluded.to_step_id, priority = excluded.priority, condition = excluded.condition`,
		t.ID, t.FlowID, t.FromStepID, t.ToStepID, t.Priority, condition)
	if err != nil {
		slog.Error("PostgresStore SaveTransition failed", "error", err, "transition", t.ID)
		return fmt.Errorf("failed to save transition %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetContact(id string) (*models.Contact, error) {
	var c models.Contact
	var displayName, customFields, profileID sql.NullString
	var needsHumanSince sql.NullTime
	err := s.db.QueryRow(`SELECT id, phone_number, display_name, needs_human, needs_human_since, custom_fields, profile_id, created_at, updated_at
		FROM contacts WHERE id = $1`, id).
		Scan(&c.ID, &c.PhoneNumber, &displayName, &c.NeedsHuman, &needsHumanSince, &customFields, &profileID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetContact failed", "error", err, "contact", id)
		return nil, fmt.Errorf("failed to query contact %s: %w", id, err)
	}
	c.DisplayName = displayName.String
	c.ProfileID = profileID.String
	if needsHumanSince.Valid {
		c.NeedsHumanSince = &needsHumanSince.Time
	}
	if customFields.String != "" {
		if err := json.Unmarshal([]byte(customFields.String), &c.CustomFields); err != nil {
			slog.Error("PostgresStore GetContact custom_fields decode failed", "error", err, "contact", id)
			c.CustomFields = nil
		}
	}
	return &c, nil
}

func (s *PostgresStore) SaveContact(c models.Contact) error {
	customFields, err := marshalJSON(c.CustomFields)
	if err != nil {
		return err
	}
	var since any
	if c.NeedsHumanSince != nil {
		since = *c.NeedsHumanSince
	}
	_, err = s.db.Exec(`INSERT INTO contacts (id, phone_number, display_name, needs_human, needs_human_since, custom_fields, profile_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT(id) DO UPDATE SET phone_number = excluded.phone_number, display_name = excluded.display_name,
		needs_human = excluded.needs_human, needs_human_since = excluded.needs_human_since,
		custom_fields = excluded.custom_fields, profile_id = excluded.profile_id, updated_at = excluded.updated_at`,
		c.ID, c.PhoneNumber, nilIfEmpty(c.DisplayName), c.NeedsHuman, since, nilIfEmpty(customFields), nilIfEmpty(c.ProfileID), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveContact failed", "error", err, "contact", c.ID)
		return fmt.Errorf("failed to save contact %s: %w", c.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetCustomerProfile(id string) (*models.CustomerProfile, error) {
	var p models.CustomerProfile
	var firstName, lastName, email, birthDate, gender, attributes sql.NullString
	var lastUpdate sql.NullTime
	err := s.db.QueryRow(`SELECT id, first_name, last_name, email, birth_date, gender, attributes, last_conversation_update
		FROM customer_profiles WHERE id = $1`, id).
		Scan(&p.ID, &firstName, &lastName, &email, &birthDate, &gender, &attributes, &lastUpdate)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetCustomerProfile failed", "error", err, "profile", id)
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
			slog.Error("PostgresStore GetCustomerProfile attributes decode failed", "error", err, "profile", id)
			p.Attributes = nil
		}
	}
	return &p, nil
}

func (s *PostgresStore) SaveCustomerProfile(p models.CustomerProfile) error {
	attributes, err := marshalJSON(p.Attributes)
	if err != nil {
		return err
	}
	var lastUpdate any
	if p.LastConversationUpdate != nil {
		lastUpdate = *p.LastConversationUpdate
	}
	_, err = s.db.Exec(`INSERT INTO customer_profiles (id, first_name, last_name, email, birth_date, gender, attributes, last_conversation_update)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT(id) DO UPDATE SET first_name = excluded.first_name, last_name = excluded.last_name,
		email = excluded.email, birth_date = excluded.birth_date, gender = excluded.gender,
		attributes = excluded.attributes, last_conversation_update = excluded.last_conversation_update`,
		p.ID, nilIfEmpty(p.FirstName), nilIfEmpty(p.LastName), nilIfEmpty(p.Email), nilIfEmpty(p.BirthDate),
		nilIfEmpty(p.Gender), nilIfEmpty(attributes), lastUpdate)
	if err != nil {
		slog.Error("PostgresStore SaveCustomerProfile failed", "error", err, "profile", p.ID)
		return fmt.Errorf("failed to save customer profile %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetContactFlowState(contactID string) (*models.ContactFlowState, error) {
	var st models.ContactFlowState
	var contextJSON, pendingJSON sql.NullString
	err := s.db.QueryRow(`SELECT id, contact_id, flow_id, step_id, context, pending_question, retry_count, created_at, updated_at
		FROM contact_flow_states WHERE contact_id = $1`, contactID).
		Scan(&st.ID, &st.ContactID, &st.FlowID, &st.StepID, &contextJSON, &pendingJSON, &st.RetryCount, &st.CreatedAt, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetContactFlowState not found", "contact", contactID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetContactFlowState failed", "error", err, "contact", contactID)
		return nil, fmt.Errorf("failed to query flow state for %s: %w", contactID, err)
	}
	if contextJSON.String != "" {
		st.Context = make(map[string]any)
		if err := json.Unmarshal([]byte(contextJSON.String), &st.Context); err != nil {
			slog.Error("PostgresStore GetContactFlowState context decode failed", "error", err, "contact", contactID)
			st.Context = make(map[string]any)
		}
	}
	if pendingJSON.String != "" {
		var pending models.PendingQuestion
		if err := json.Unmarshal([]byte(pendingJSON.String), &pending); err != nil {
			slog.Error("PostgresStore GetContactFlowState pending decode failed", "error", err, "contact", contactID)
		} else {
			st.Pending = &pending
		}
	}
	return &st, nil
}

func (s *PostgresStore) SaveContactFlowState(st models.ContactFlowState) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT(contact_id) DO UPDATE SET flow_id = excluded.flow_id, step_id = excluded.step_id,
		context = excluded.context, pending_question = excluded.pending_question,
		retry_count = excluded.retry_count, updated_at = excluded.updated_at`,
		st.ID, st.ContactID, st.FlowID, st.StepID, nilIfEmpty(contextJSON), nilIfEmpty(pendingJSON), st.RetryCount, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveContactFlowState failed", "error", err, "contact", st.ContactID)
		return fmt.Errorf("failed to save flow state for %s: %w", st.ContactID, err)
	}
	slog.Debug("PostgresStore SaveContactFlowState succeeded", "contact", st.ContactID, "flow", st.FlowID, "step", st.StepID)
	return nil
}

func (s *PostgresStore) DeleteContactFlowState(contactID string) error {
	_, err := s.db.Exec(`DELETE FROM contact_flow_states WHERE contact_id = $1`, contactID)
	if err != nil {
		slog.Error("PostgresStore DeleteContactFlowState failed", "error", err, "contact", contactID)
		return fmt.Errorf("failed to delete flow state for %s: %w", contactID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteInactiveFlowStates(olderThan time.Time) ([]models.ContactFlowState, error) {
	rows, err := s.db.Query(`DELETE FROM contact_flow_states WHERE updated_at < $1
		RETURNING id, contact_id, flow_id, step_id, context, pending_question, retry_count, created_at, updated_at`, olderThan)
	if err != nil {
		slog.Error("PostgresStore DeleteInactiveFlowStates failed", "error", err)
		return nil, fmt.Errorf("failed to delete inactive flow states: %w", err)
	}
	defer rows.Close()

	var removed []models.ContactFlowState
	for rows.Next() {
		var st models.ContactFlowState
		var contextJSON, pendingJSON sql.NullString
		if err := rows.Scan(&st.ID, &st.ContactID, &st.FlowID, &st.StepID, &contextJSON, &pendingJSON, &st.RetryCount, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return removed, fmt.Errorf("failed to scan deleted state row: %w", err)
		}
		if contextJSON.String != "" {
			st.Context = make(map[string]any)
			_ = json.Unmarshal([]byte(contextJSON.String), &st.Context)
		}
		if pendingJSON.String != "" {
			var pending models.PendingQuestion
			if json.Unmarshal([]byte(pendingJSON.String), &pending) == nil {
				st.Pending = &pending
			}
		}
		removed = append(removed, st)
	}
	if err := rows.Err(); err != nil {
		return removed, fmt.Errorf("failed to iterate deleted state rows: %w", err)
	}
	slog.Debug("PostgresStore DeleteInactiveFlowStates succeeded", "count", len(removed))
	return removed, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
