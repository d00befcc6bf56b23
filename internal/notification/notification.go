// Package notification builds the named Darwin notifications used to
// negotiate a debugger attach with the iOS runtime, and fans out the local
// events raised while doing so.
package notification

import (
	"fmt"

	"github.com/NativeScript/nativescript-cli-sub024/internal/pubsub"
)

// Namespace is the fixed namespace between the scope ID and the name.
const Namespace = "NativeScript.Debug"

// Name identifies one of the debug negotiation notifications.
type Name string

const (
	WaitForDebugger         Name = "WaitForDebugger"
	AttachRequest           Name = "AttachRequest"
	AppLaunching            Name = "AppLaunching"
	ReadyForAttach          Name = "ReadyForAttach"
	AttachAvailabilityQuery Name = "AttachAvailabilityQuery"
	AlreadyConnected        Name = "AlreadyConnected"
	AttachAvailable         Name = "AttachAvailable"
)

// Names lists every known notification name.
var Names = []Name{
	WaitForDebugger,
	AttachRequest,
	AppLaunching,
	ReadyForAttach,
	AttachAvailabilityQuery,
	AlreadyConnected,
	AttachAvailable,
}

// Build formats "<scopeID>:NativeScript.Debug.<name>".
func Build(name Name, scopeID string) string {
	return fmt.Sprintf("%s:%s.%s", scopeID, Namespace, name)
}

// AttachRequestEvent is published whenever an attach request notification is built.
// It is never sent to the device.
type AttachRequestEvent struct {
	DeviceID     string
	AppID        string
	Notification string
}

// ConnectionErrorEvent is published when a device debug socket cannot be
// acquired or released for a front-end connection.
type ConnectionErrorEvent struct {
	DeviceID string
	AppID    string
	Err      error
}

// Events groups the typed hubs observers can subscribe to.
type Events struct {
	AttachRequests   pubsub.Hub[AttachRequestEvent]
	ConnectionErrors pubsub.Hub[ConnectionErrorEvent]
}

// Notifier builds notification strings and publishes the related events.
type Notifier struct {
	events *Events
}

// NewNotifier creates a notifier publishing to events. A nil events value
// disables publishing.
func NewNotifier(events *Events) *Notifier {
	return &Notifier{events: events}
}

// Events returns the hubs this notifier publishes to (may be nil).
func (n *Notifier) Events() *Events {
	return n.events
}

func (n *Notifier) WaitForDebugger(appID string) string {
	return Build(WaitForDebugger, appID)
}

func (n *Notifier) AppLaunching(appID string) string {
	return Build(AppLaunching, appID)
}

func (n *Notifier) ReadyForAttach(appID string) string {
	return Build(ReadyForAttach, appID)
}

func (n *Notifier) AttachAvailabilityQuery(appID string) string {
	return Build(AttachAvailabilityQuery, appID)
}

func (n *Notifier) AlreadyConnected(appID string) string {
	return Build(AlreadyConnected, appID)
}

func (n *Notifier) AttachAvailable(appID string) string {
	return Build(AttachAvailable, appID)
}

// AttachRequest builds the attach request notification for appID and
// publishes an AttachRequestEvent for deviceID.
func (n *Notifier) AttachRequest(appID, deviceID string) string {
	name := Build(AttachRequest, appID)
	if n.events != nil {
		n.events.AttachRequests.Publish(AttachRequestEvent{
			DeviceID:     deviceID,
			AppID:        appID,
			Notification: name,
		})
	}
	return name
}
