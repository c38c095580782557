// Package engine provides the orchestration loop: one invocation per
// inbound message, executed as a single atomic unit per contact.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/convoflow/convoflow/internal/models"
	"github.com/google/uuid"
)

// Orchestrator drives one processing cycle per inbound event: load
// state, validate pending replies, evaluate transitions, execute steps,
// auto-chain, and post-process internal commands.
type Orchestrator struct {
	store     Store
	resolver  *Resolver
	executor  *Executor
	evaluator *Evaluator
	now       nowFunc

	// locks serializes cycles per contact while different contacts
	// process fully in parallel.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewOrchestrator creates an orchestrator over the given store.
func NewOrchestrator(store Store) *Orchestrator {
	resolver := NewResolver()
	return &Orchestrator{
		store:     store,
		resolver:  resolver,
		executor:  NewExecutor(store, resolver),
		evaluator: NewEvaluator(resolver),
		now:       time.Now,
		locks:     make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-contact mutex, creating it on first use.
func (o *Orchestrator) lockFor(contactID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.locks[contactID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[contactID] = lock
	}
	return lock
}

// ProcessEvent runs one processing cycle for an inbound event and
// returns the ordered outbound actions the caller must dispatch. Any
// unexpected failure is caught here: the contact's state is defensively
// cleared and a single generic apology is returned, so the contact is
// never left in a state the engine cannot reason about.
func (o *Orchestrator) ProcessEvent(ctx context.Context, event models.InboundEvent) (actions []models.OutboundAction, err error) {
	lock := o.lockFor(event.ContactID)
	lock.Lock()
	defer lock.Unlock()

	contact, err := o.getOrCreateContact(event.ContactID)
	if err != nil {
		return nil, fmt.Errorf("failed to load contact %s: %w", event.ContactID, err)
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Processing cycle panicked, clearing state", "contact", contact.ID, "panic", r)
			actions = o.recoverCycle(contact)
			err = nil
		}
	}()

	actions, err = o.runCycle(ctx, contact, &event.Message)
	if err != nil {
		slog.Error("Processing cycle failed, clearing state", "error", err, "contact", contact.ID)
		return o.recoverCycle(contact), nil
	}
	return actions, nil
}

// recoverCycle is the critical-failure path: clear state, queue one
// apology. Internal diagnostics are never exposed to the contact.
func (o *Orchestrator) recoverCycle(contact *models.Contact) []models.OutboundAction {
	if err := o.store.DeleteContactFlowState(contact.ID); err != nil {
		slog.Error("Defensive state clear failed", "error", err, "contact", contact.ID)
	}
	return []models.OutboundAction{renderText(contact, DefaultApologyText)}
}

func (o *Orchestrator) getOrCreateContact(contactID string) (*models.Contact, error) {
	contact, err := o.store.GetContact(contactID)
	if err != nil {
		return nil, err
	}
	if contact != nil {
		return contact, nil
	}
	now := o.now()
	contact = &models.Contact{
		ID:          contactID,
		PhoneNumber: contactID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.SaveContact(*contact); err != nil {
		return nil, err
	}
	slog.Info("Created contact on first inbound message", "contact", contactID)
	return contact, nil
}

// runCycle is steps 1-6 of the processing cycle.
func (o *Orchestrator) runCycle(ctx context.Context, contact *models.Contact, msg *models.InboundMessage) ([]models.OutboundAction, error) {
	state, err := o.store.GetContactFlowState(contact.ID)
	if err != nil {
		return nil, err
	}

	// No state: try to trigger a flow.
	if state == nil {
		return o.triggerFlow(ctx, contact, msg)
	}

	step, err := o.store.GetStep(state.StepID)
	if err != nil {
		return nil, err
	}
	if step == nil {
		slog.Error("State references missing step, clearing", "contact", contact.ID, "step", state.StepID)
		return nil, o.store.DeleteContactFlowState(contact.ID)
	}

	var actions []models.OutboundAction

	// Pending question reply validation.
	if step.Type == models.StepTypeQuestion && state.AwaitingReplyFor(step.ID) {
		cfg, ok := step.Config.(*models.QuestionConfig)
		if !ok {
			slog.Error("question step has wrong config type", "step", step.ID)
			return nil, o.store.DeleteContactFlowState(contact.ID)
		}
		outcome, validatorActions := o.executor.validateReply(step, cfg, msg, contact, state)
		actions = append(actions, validatorActions...)
		switch outcome {
		case replyRetried:
			if err := o.saveState(state); err != nil {
				return nil, err
			}
			return actions, nil
		case replyTerminal:
			if err := o.store.DeleteContactFlowState(contact.ID); err != nil {
				return nil, err
			}
			return actions, nil
		}
		// replyAccepted and replyFellThrough continue to transitions.
	}

	// Live transition pass.
	transitions, err := o.store.ListTransitions(step.ID)
	if err != nil {
		return nil, err
	}
	scope := o.executor.scopeFor(contact, state)
	transition := o.evaluator.Pick(transitions, msg, scope, state)
	if transition == nil {
		fallbackActions, err := o.applyStepFallback(contact, state, step)
		if err != nil {
			return nil, err
		}
		return append(actions, fallbackActions...), nil
	}

	target, err := o.store.GetStep(transition.ToStepID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		slog.Error("Transition references missing step", "transition", transition.ID, "to_step", transition.ToStepID)
		return actions, o.saveState(state)
	}
	state.StepID = target.ID
	result := o.executor.ExecuteStep(ctx, target, contact, state)
	actions = append(actions, result.Actions...)

	return o.settle(ctx, contact, state, result, actions)
}

// triggerFlow runs the trigger matcher for a contact with no state and,
// on a match, starts the flow at its entry step.
func (o *Orchestrator) triggerFlow(ctx context.Context, contact *models.Contact, msg *models.InboundMessage) ([]models.OutboundAction, error) {
	flows, err := o.store.ListActiveFlows()
	if err != nil {
		return nil, err
	}
	flow := MatchFlow(msg, o.eligibleFlows(flows, contact))
	if flow == nil {
		slog.Debug("No flow triggered", "contact", contact.ID)
		return nil, nil
	}
	return o.startFlow(ctx, contact, flow, nil)
}

// eligibleFlows drops flows requiring prior authentication when the
// contact has no linked customer profile.
func (o *Orchestrator) eligibleFlows(flows []models.Flow, contact *models.Contact) []models.Flow {
	eligible := flows[:0:0]
	for _, f := range flows {
		if f.RequiresAuth && contact.ProfileID == "" {
			continue
		}
		eligible = append(eligible, f)
	}
	return eligible
}

// startFlow discards any existing state, creates a fresh one at the
// flow's entry step, executes the entry step, and settles.
func (o *Orchestrator) startFlow(ctx context.Context, contact *models.Contact, flow *models.Flow, initialContext map[string]any) ([]models.OutboundAction, error) {
	entry, err := o.store.GetEntryStep(flow.ID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		slog.Error("Flow has no entry point step", "flow", flow.Name)
		return nil, nil
	}
	if err := o.store.DeleteContactFlowState(contact.ID); err != nil {
		return nil, err
	}

	now := o.now()
	state := &models.ContactFlowState{
		ID:        uuid.NewString(),
		ContactID: contact.ID,
		FlowID:    flow.ID,
		StepID:    entry.ID,
		Context:   make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for k, v := range initialContext {
		state.Context[k] = v
	}
	slog.Info("Starting flow", "flow", flow.Name, "contact", contact.ID, "entry_step", entry.ID)

	result := o.executor.ExecuteStep(ctx, entry, contact, state)
	return o.settle(ctx, contact, state, result, result.Actions)
}

// settle post-processes a step execution: internal commands are
// absorbed, flow switches replace the pending outbound list, and the
// automatic pass chains steps without new user input, bounded to
// guarantee termination against cyclic graphs.
func (o *Orchestrator) settle(ctx context.Context, contact *models.Contact, state *models.ContactFlowState, result ExecResult, actions []models.OutboundAction) ([]models.OutboundAction, error) {
	switches := 0
	autoPasses := 0
	for {
		switch result.Command {
		case CommandClearState:
			if err := o.store.DeleteContactFlowState(contact.ID); err != nil {
				return nil, err
			}
			return actions, nil

		case CommandSwitchFlow:
			switches++
			if switches > maxFlowSwitches {
				slog.Error("Flow switch limit exceeded, clearing state", "contact", contact.ID)
				return actions, o.store.DeleteContactFlowState(contact.ID)
			}
			if err := o.store.DeleteContactFlowState(contact.ID); err != nil {
				return nil, err
			}
			flow, err := o.store.GetFlowByName(result.Switch.TargetFlow)
			if err != nil {
				return nil, err
			}
			if flow == nil || !flow.Active {
				slog.Error("switch_flow target not found or inactive", "target", result.Switch.TargetFlow, "contact", contact.ID)
				return actions, nil
			}
			entry, err := o.store.GetEntryStep(flow.ID)
			if err != nil {
				return nil, err
			}
			if entry == nil {
				slog.Error("switch_flow target has no entry point", "target", flow.Name)
				return actions, nil
			}
			now := o.now()
			state = &models.ContactFlowState{
				ID:        uuid.NewString(),
				ContactID: contact.ID,
				FlowID:    flow.ID,
				StepID:    entry.ID,
				Context:   make(map[string]any),
				CreatedAt: now,
				UpdatedAt: now,
			}
			for k, v := range result.Switch.InitialContext {
				state.Context[k] = v
			}
			slog.Info("Switching flow", "flow", flow.Name, "contact", contact.ID)
			result = o.executor.ExecuteStep(ctx, entry, contact, state)
			// Actions queued before the switch are discarded.
			actions = result.Actions
			autoPasses = 0
			continue
		}

		// Awaiting a reply: stop and persist.
		if state.Pending != nil {
			return actions, o.saveState(state)
		}
		if autoPasses >= maxAutoTransitions {
			slog.Warn("Automatic pass limit reached", "contact", contact.ID, "step", state.StepID)
			return actions, o.saveState(state)
		}
		autoPasses++

		transitions, err := o.store.ListTransitions(state.StepID)
		if err != nil {
			return nil, err
		}
		scope := o.executor.scopeFor(contact, state)
		transition := o.evaluator.Pick(transitions, nil, scope, state)
		if transition == nil {
			return actions, o.saveState(state)
		}
		target, err := o.store.GetStep(transition.ToStepID)
		if err != nil {
			return nil, err
		}
		if target == nil {
			slog.Error("Transition references missing step", "transition", transition.ID, "to_step", transition.ToStepID)
			return actions, o.saveState(state)
		}
		state.StepID = target.ID
		result = o.executor.ExecuteStep(ctx, target, contact, state)
		actions = append(actions, result.Actions...)
	}
}

// applyStepFallback handles a live message that matched no transition:
// a configured custom message or handover, else a generic
// did-not-understand message as last resort.
func (o *Orchestrator) applyStepFallback(contact *models.Contact, state *models.ContactFlowState, step *models.Step) ([]models.OutboundAction, error) {
	if step.Fallback != nil {
		switch step.Fallback.Type {
		case "human_handover":
			var actions []models.OutboundAction
			if step.Fallback.Message != nil {
				if action, err := o.executor.RenderMessage(step.Fallback.Message, contact, o.executor.scopeFor(contact, state)); err != nil {
					slog.Error("Step fallback message configuration error", "error", err, "step", step.ID)
				} else {
					actions = append(actions, action)
				}
			}
			if err := o.executor.FlagForHuman(contact); err != nil {
				slog.Error("Failed to flag contact in step fallback", "error", err, "contact", contact.ID)
			}
			return actions, o.store.DeleteContactFlowState(contact.ID)
		case "message":
			if step.Fallback.Message != nil {
				action, err := o.executor.RenderMessage(step.Fallback.Message, contact, o.executor.scopeFor(contact, state))
				if err != nil {
					slog.Error("Step fallback message configuration error", "error", err, "step", step.ID)
					break
				}
				return []models.OutboundAction{action}, o.saveState(state)
			}
		default:
			slog.Warn("Unknown step fallback type", "type", step.Fallback.Type, "step", step.ID)
		}
	}
	return []models.OutboundAction{renderText(contact, DefaultNotUnderstoodText)}, o.saveState(state)
}

func (o *Orchestrator) saveState(state *models.ContactFlowState) error {
	state.UpdatedAt = o.now()
	return o.store.SaveContactFlowState(*state)
}
