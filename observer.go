package modkernel

import (
	"context"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is the envelope handed to observers.
type CloudEvent = cloudevents.Event

// CloudEventSource is the source attribute of every kernel CloudEvent.
const CloudEventSource = "modkernel"

// CloudEvent types emitted by the Application, in reverse domain notation.
const (
	EventTypeSystemStarted      = "com.modkernel.system.started"
	EventTypeSystemError        = "com.modkernel.system.error"
	EventTypeSystemEmergency    = "com.modkernel.system.emergency"
	EventTypeSystemShutdown     = "com.modkernel.system.shutdown"
	EventTypeSystemRestart      = "com.modkernel.system.restart"
	EventTypeStateChanged       = "com.modkernel.system.state_changed"
	EventTypeModulesInitialized = "com.modkernel.modules.initialized"
	EventTypeModuleReloaded     = "com.modkernel.module.reloaded"
	EventTypeConfigChanged      = "com.modkernel.config.changed"
)

// Observer receives Application lifecycle events outside the scheduling
// loops. Bus events stay inside the kernel; observers are the export path.
type Observer interface {
	ObserverID() string
	OnEvent(ctx context.Context, event CloudEvent) error
}

// ObserverInfo describes one registration. An empty EventTypes means the
// observer receives everything.
type ObserverInfo struct {
	ID           string    `json:"id"`
	EventTypes   []string  `json:"eventTypes"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type funcObserver struct {
	id string
	fn func(context.Context, CloudEvent) error
}

func (f funcObserver) ObserverID() string { return f.id }

func (f funcObserver) OnEvent(ctx context.Context, event CloudEvent) error { return f.fn(ctx, event) }

// ObserverFunc adapts fn to an Observer registered under id.
func ObserverFunc(id string, fn func(context.Context, CloudEvent) error) Observer {
	return funcObserver{id: id, fn: fn}
}

// newKernelEvent wraps data in a CloudEvent from CloudEventSource with a
// UUIDv7 id, so ids sort by emission time.
func newKernelEvent(eventType string, data any, at time.Time) (CloudEvent, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	event := cloudevents.NewEvent(cloudevents.VersionV1)
	event.SetID(id.String())
	event.SetSource(CloudEventSource)
	event.SetType(eventType)
	event.SetTime(at)
	if data != nil {
		if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
			return event, fmt.Errorf("encode %s data: %w", eventType, err)
		}
	}
	if err := event.Validate(); err != nil {
		return event, fmt.Errorf("invalid %s event: %w", eventType, err)
	}
	return event, nil
}
