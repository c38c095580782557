// Package engine implements the ConvoFlow flow execution engine: the
// per-contact state machine, step execution, transition evaluation,
// template resolution, and the orchestration loop that ties them
// together.
//
// The engine consumes inbound events and produces ordered outbound send
// actions; it never performs message delivery itself. Exactly one
// processing cycle runs per contact at a time.
package engine

import (
	"time"

	"github.com/convoflow/convoflow/internal/models"
)

// Bounds guaranteeing termination against malformed or cyclic graphs.
const (
	// maxResolvePasses bounds template re-scanning for nested placeholders.
	maxResolvePasses = 10
	// maxAutoTransitions bounds automatic-pass chaining per cycle.
	maxAutoTransitions = 10
	// maxFlowSwitches bounds in-flight flow switches per cycle.
	maxFlowSwitches = 5
)

// Default user-visible texts for fallback paths.
const (
	// DefaultNotUnderstoodText is sent when no transition matches a live
	// message and the step configures no fallback.
	DefaultNotUnderstoodText = "Sorry, I didn't understand that. Could you try again?"
	// DefaultApologyText is sent after a critical failure clears the
	// contact's state.
	DefaultApologyText = "Sorry, something went wrong on our side. Please try again in a moment."
)

// Store is the persistence contract the engine consumes. The concrete
// store package satisfies it; defined here to keep the dependency
// pointing outward.
type Store interface {
	ListActiveFlows() ([]models.Flow, error)
	GetFlowByName(name string) (*models.Flow, error)
	GetStep(id string) (*models.Step, error)
	GetEntryStep(flowID string) (*models.Step, error)
	ListTransitions(fromStepID string) ([]models.Transition, error)

	GetContact(id string) (*models.Contact, error)
	SaveContact(c models.Contact) error
	GetCustomerProfile(id string) (*models.CustomerProfile, error)
	SaveCustomerProfile(p models.CustomerProfile) error

	GetContactFlowState(contactID string) (*models.ContactFlowState, error)
	SaveContactFlowState(st models.ContactFlowState) error
	DeleteContactFlowState(contactID string) error
}

// Scope is the read view template paths resolve against: the flow
// context, the engine-visible contact fields, and the optional linked
// customer profile.
type Scope struct {
	Context map[string]any
	Contact *models.Contact
	Profile *models.CustomerProfile
}

// nowFunc allows tests to pin time.
type nowFunc func() time.Time
