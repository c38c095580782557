package messaging

import (
	"context"
	"log/slog"

	"github.com/convoflow/convoflow/internal/models"
)

// Processor runs one engine cycle for an inbound event. Satisfied by
// the engine orchestrator.
type Processor interface {
	ProcessEvent(ctx context.Context, event models.InboundEvent) ([]models.OutboundAction, error)
}

// Dispatcher delivers the ordered outbound actions of one cycle. A
// failed send is logged and delivery continues with the next action.
type Dispatcher struct {
	service Service
}

// NewDispatcher creates a dispatcher over the given service.
func NewDispatcher(service Service) *Dispatcher {
	return &Dispatcher{service: service}
}

// DispatchAll sends actions in order, preserving the engine's ordering
// guarantee per contact.
func (d *Dispatcher) DispatchAll(ctx context.Context, actions []models.OutboundAction) {
	for i, action := range actions {
		if _, err := d.service.ValidateAndCanonicalizeRecipient(action.Recipient); err != nil {
			slog.Error("Skipping action with invalid recipient", "error", err, "index", i)
			continue
		}
		if err := d.service.SendAction(ctx, action); err != nil {
			slog.Error("Failed to dispatch outbound action", "error", err, "recipient", action.Recipient, "type", action.MessageType, "index", i)
		}
	}
}

// Pump consumes inbound events from the transport, runs the engine, and
// dispatches the resulting actions.
type Pump struct {
	service    Service
	processor  Processor
	dispatcher *Dispatcher
}

// NewPump creates a pump wiring the transport to the engine.
func NewPump(service Service, processor Processor) *Pump {
	return &Pump{
		service:    service,
		processor:  processor,
		dispatcher: NewDispatcher(service),
	}
}

// Start launches the consume loop; it runs until the context is
// cancelled or the event channel closes.
func (p *Pump) Start(ctx context.Context) error {
	if err := p.service.Start(ctx); err != nil {
		return err
	}
	go p.run(ctx)
	slog.Info("Message pump started")
	return nil
}

func (p *Pump) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Message pump stopping, context cancelled")
			return
		case event, ok := <-p.service.Events():
			if !ok {
				slog.Debug("Message pump stopping, event channel closed")
				return
			}
			p.handle(ctx, event)
		}
	}
}

func (p *Pump) handle(ctx context.Context, event models.InboundEvent) {
	slog.Debug("Processing inbound event", "from", event.ContactID, "type", event.Message.Type)
	actions, err := p.processor.ProcessEvent(ctx, event)
	if err != nil {
		slog.Error("Engine cycle failed", "error", err, "from", event.ContactID)
		return
	}
	p.dispatcher.DispatchAll(ctx, actions)
}
