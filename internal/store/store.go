// Package store provides storage backends for ConvoFlow.
//
// It includes an in-memory store for tests and single-node setups, plus
// SQLite and PostgreSQL backed stores. Flow, step, and transition rows
// are read-mostly definitions owned by the authoring collaborator; the
// engine exclusively owns contact flow state rows.
package store

import (
	"time"

	"github.com/convoflow/convoflow/internal/models"
)

// Store is the persistence contract consumed by the engine and the API
// layer. Reads of flow definitions return immutable snapshots;
// transitions are returned ordered by (priority, declaration order) so
// priority ties are deterministic.
type Store interface {
	// Flow definitions.
	ListActiveFlows() ([]models.Flow, error) // ordered by name
	GetFlow(id string) (*models.Flow, error)
	GetFlowByName(name string) (*models.Flow, error)
	SaveFlow(f models.Flow) error

	// Steps.
	GetStep(id string) (*models.Step, error)
	GetEntryStep(flowID string) (*models.Step, error)
	SaveStep(s models.Step) error

	// Transitions from one step, ascending (priority, declaration order).
	ListTransitions(fromStepID string) ([]models.Transition, error)
	SaveTransition(t models.Transition) error

	// Contacts and linked customer profiles.
	GetContact(id string) (*models.Contact, error)
	SaveContact(c models.Contact) error
	GetCustomerProfile(id string) (*models.CustomerProfile, error)
	SaveCustomerProfile(p models.CustomerProfile) error

	// Contact flow state: at most one row per contact.
	GetContactFlowState(contactID string) (*models.ContactFlowState, error)
	SaveContactFlowState(st models.ContactFlowState) error
	DeleteContactFlowState(contactID string) error

	// DeleteInactiveFlowStates removes states not updated since the
	// cutoff and returns the removed rows so the caller can notify the
	// affected contacts.
	DeleteInactiveFlowStates(olderThan time.Time) ([]models.ContactFlowState, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}
