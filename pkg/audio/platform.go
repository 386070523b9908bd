// Package audio defines the hardware contract the voice-memo capture core
// relies on, plus the buffer and format types that flow through it.
//
// The primary abstractions are:
//
//   - [Platform]: the process-wide hardware audio session: permission state,
//     input enumeration, session configuration/activation, and a typed
//     [Event] channel for interruptions and route changes.
//   - [Engine]: the streaming capture path. Buffers are delivered to a
//     callback on the hardware's real-time context.
//   - [Recorder]: the monolithic capture path. The hardware layer writes the
//     file itself and only exposes metering.
//
// Implementations live in adapter packages (audio/miniaudio for real devices,
// audio/mock for tests). No particular OS audio API is assumed; the
// interfaces describe the behaviour the capture core needs.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrNoInputNode is returned by [Engine.InputFormat] when the engine has no
// usable input node (no capture device is routed to it).
var ErrNoInputNode = errors.New("audio: engine has no input node")

// Permission is the tri-state microphone capture permission.
type Permission int

const (
	// PermissionUndetermined means the user has not been asked yet.
	PermissionUndetermined Permission = iota

	// PermissionGranted means capture is allowed.
	PermissionGranted

	// PermissionDenied means the user refused capture.
	PermissionDenied
)

// String returns the human-readable name of the permission state.
func (p Permission) String() string {
	switch p {
	case PermissionUndetermined:
		return "undetermined"
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Orientation is the physical direction a microphone data source faces.
type Orientation string

const (
	OrientationNone   Orientation = ""
	OrientationFront  Orientation = "front"
	OrientationBack   Orientation = "back"
	OrientationBottom Orientation = "bottom"
	OrientationTop    Orientation = "top"
	OrientationOmni   Orientation = "omni"
)

// DataSource is a selectable directional source of an input (e.g., the
// front-facing capsule of a built-in microphone array).
type DataSource struct {
	ID          string
	Name        string
	Orientation Orientation

	// HighSensitivity marks sources tuned for near-field, low-level speech.
	HighSensitivity bool
}

// Input is an available capture device.
type Input struct {
	ID   string
	Name string

	// BuiltIn is true for the device's own microphone and false for wired,
	// USB or Bluetooth inputs.
	BuiltIn bool

	// Bluetooth is true for wireless headset inputs.
	Bluetooth bool

	// DataSources lists directional sources. Empty for most external inputs.
	DataSources []DataSource
}

// Category options requested from the hardware session.
type CategoryOptions struct {
	// AllowBluetooth permits Bluetooth hands-free inputs to be routed.
	AllowBluetooth bool

	// Duplex keeps output available while capturing.
	Duplex bool

	// MixWithOthers keeps capture alive while other audio plays and while the
	// process is in the background.
	MixWithOthers bool
}

// SessionRequest is the full set of preferences applied to the hardware
// session by [Platform.Configure].
type SessionRequest struct {
	Category string
	Mode     string
	Options  CategoryOptions

	SampleRate       int
	Channels         int
	IOBufferDuration time.Duration

	// InputGain is the normalized hardware input gain in [0, 1].
	InputGain float64

	// PreferredInput is an [Input.ID]; empty keeps the system default.
	PreferredInput string

	// PreferredDataSource is a [DataSource.ID]; empty keeps the default.
	PreferredDataSource string
}

// EventKind classifies hardware events emitted on [Platform.Events].
type EventKind int

const (
	// EventInterruptionBegan fires when another client (e.g., a phone call)
	// takes the audio hardware.
	EventInterruptionBegan EventKind = iota

	// EventInterruptionEnded fires when the hardware is released again.
	// [Event.ShouldResume] carries the system's resume hint.
	EventInterruptionEnded

	// EventRouteChanged fires when an input or output device appears or
	// disappears. [Event.Reason] describes why.
	EventRouteChanged

	// EventMediaServicesReset fires when the audio server restarted and all
	// session state was lost.
	EventMediaServicesReset
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventInterruptionBegan:
		return "interruption_began"
	case EventInterruptionEnded:
		return "interruption_ended"
	case EventRouteChanged:
		return "route_changed"
	case EventMediaServicesReset:
		return "media_services_reset"
	default:
		return "unknown"
	}
}

// RouteChangeReason explains an [EventRouteChanged].
type RouteChangeReason string

const (
	RouteNewDeviceAvailable   RouteChangeReason = "new_device_available"
	RouteOldDeviceUnavailable RouteChangeReason = "old_device_unavailable"
	RouteCategoryChange       RouteChangeReason = "category_change"
	RouteOverride             RouteChangeReason = "override"
	RouteUnknown              RouteChangeReason = "unknown"
)

// Event is a hardware notification.
type Event struct {
	Kind EventKind

	// ShouldResume is the system hint on [EventInterruptionEnded].
	ShouldResume bool

	// Reason is set on [EventRouteChanged].
	Reason RouteChangeReason

	// Time is when the event was observed.
	Time time.Time
}

// Platform is the process-wide hardware audio session.
//
// Exactly one Platform exists per process. It is constructed at startup and
// handed to the components that need it; nothing reaches it through a
// global. Implementations must be safe for concurrent use.
type Platform interface {
	// RecordPermission reports the current capture permission without
	// prompting.
	RecordPermission() Permission

	// RequestRecordPermission asks the user for capture permission and blocks
	// until they answer or ctx is cancelled.
	RequestRecordPermission(ctx context.Context) (Permission, error)

	// Inputs lists the currently available capture devices.
	Inputs() ([]Input, error)

	// NativeSampleRate reports the hardware's preferred sample rate.
	NativeSampleRate() int

	// Configure applies req to the (inactive) hardware session.
	Configure(req SessionRequest) error

	// SetActive activates or deactivates the hardware session.
	SetActive(active bool) error

	// NewEngine creates a streaming capture engine bound to the session.
	NewEngine() (Engine, error)

	// NewRecorder creates a direct-to-file recorder bound to the session.
	NewRecorder() (Recorder, error)

	// Events returns the hardware event stream. The channel is never closed
	// while the Platform is alive; consumers must not block it for long.
	Events() <-chan Event
}

// Engine is the streaming capture path.
type Engine interface {
	// InputFormat reports the format buffers will be delivered in. Returns
	// [ErrNoInputNode] when no input is routed to the engine.
	InputFormat() (Format, error)

	// Start begins delivering buffers to onBuffer from the hardware's
	// real-time context. onBuffer must not block.
	Start(onBuffer func(Buffer)) error

	// Stop halts delivery. At most one in-flight callback may still complete
	// after Stop returns. Safe to call more than once.
	Stop() error
}

// Recorder is the monolithic capture path: the hardware layer encodes and
// writes the file itself.
type Recorder interface {
	// Record opens path for writing in format (16-bit linear PCM) and starts
	// capturing.
	Record(path string, format Format) error

	// Pause suspends capture without closing the file.
	Pause() error

	// Resume continues a paused recording into the same file.
	Resume() error

	// Stop ends capture and finalizes the file. Safe to call more than once.
	Stop() error

	// AveragePower reports the average input power in dBFS since the last
	// call (−160 when silent or not recording).
	AveragePower() float64

	// Failed delivers at most one error when writing the file failed after
	// Record returned. No audio reaches the file afterwards.
	Failed() <-chan error
}
