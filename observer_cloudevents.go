package modrt

import (
	"fmt"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type.
type CloudEvent = cloudevents.Event

// NewCloudEvent builds an event with a time-ordered id and JSON data.
func NewCloudEvent(eventType, source string, data any, metadata map[string]any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(generateEventID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}
	for k, v := range metadata {
		event.SetExtension(k, v)
	}
	return event
}

func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// ValidateCloudEvent checks the event against the CloudEvents spec.
func ValidateCloudEvent(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return nil
}

// BundleEventData is the payload of bundle CloudEvents.
type BundleEventData struct {
	BundleID     int64  `json:"bundleId"`
	SymbolicName string `json:"symbolicName"`
	Version      string `json:"version"`
	Location     string `json:"location"`
	State        string `json:"state"`
}

// ServiceEventData is the payload of service CloudEvents.
type ServiceEventData struct {
	ServiceID int64    `json:"serviceId"`
	Classes   []string `json:"objectClass"`
	BundleID  int64    `json:"bundleId"`
}

// FrameworkEventData is the payload of framework CloudEvents.
type FrameworkEventData struct {
	BundleID int64  `json:"bundleId"`
	Error    string `json:"error,omitempty"`
}

func bundleData(b *Bundle) BundleEventData {
	if b == nil {
		return BundleEventData{BundleID: -1}
	}
	return BundleEventData{
		BundleID:     b.id,
		SymbolicName: b.SymbolicName(),
		Version:      b.Version().String(),
		Location:     b.location,
		State:        b.State().String(),
	}
}

func (fw *Framework) eventSource() string {
	return "modrt://framework/" + fw.uuid
}

// toCloudEvent converts a bundle, service or framework event.
func (fw *Framework) toCloudEvent(ev any) (cloudevents.Event, bool) {
	switch e := ev.(type) {
	case BundleEvent:
		return NewCloudEvent("com.modrt.bundle."+strings.ToLower(e.Type.String()), fw.eventSource(), bundleData(e.Bundle), nil), true
	case ServiceEvent:
		data := ServiceEventData{ServiceID: e.Reference.ID(), Classes: e.Reference.Classes(), BundleID: -1}
		if owner := e.Reference.reg.bundle; owner != nil {
			data.BundleID = owner.id
		}
		return NewCloudEvent("com.modrt.service."+strings.ToLower(e.Type.String()), fw.eventSource(), data, nil), true
	case FrameworkEvent:
		data := FrameworkEventData{BundleID: -1}
		if e.Bundle != nil {
			data.BundleID = e.Bundle.id
		}
		if e.Err != nil {
			data.Error = e.Err.Error()
		}
		return NewCloudEvent("com.modrt.framework."+strings.ToLower(e.Type.String()), fw.eventSource(), data, nil), true
	}
	return cloudevents.Event{}, false
}
