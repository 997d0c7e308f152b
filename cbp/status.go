package cbp

// State is the controller lifecycle state.
type State int

const (
	// Standby is the initial state: not connected to the device.
	Standby State = iota
	// Disabled is connected with the device passive; telemetry is stopped.
	Disabled
	// Enabled accepts commands and runs the telemetry loop.
	Enabled
	// Fault is terminal until an explicit Standby.
	Fault
)

func (s State) String() string {
	switch s {
	case Standby:
		return "STANDBY"
	case Disabled:
		return "DISABLED"
	case Enabled:
		return "ENABLED"
	case Fault:
		return "FAULT"
	}
	return "UNKNOWN"
}

// MarshalText renders the state name, so JSON carries "ENABLED" rather
// than an enum ordinal.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is a snapshot of the device and controller state, published once
// per telemetry cycle. Angles are in degrees on [0, 360) semantics for mask
// rotation and in mount coordinates for azimuth/elevation; focus is in
// microns.
type Status struct {
	State          State
	FaultReason    string
	Host           string
	SimulationMode bool

	Azimuth            float64
	AzimuthTarget      float64
	Elevation          float64
	ElevationTarget    float64
	Focus              float64
	FocusTarget        float64
	Mask               string
	MaskTarget         string
	MaskRotation       float64
	MaskRotationTarget float64

	// In-position flags are derived from the most recent encoder reads.
	// Azimuth and elevation always update in the same telemetry cycle.
	AzimuthInPosition      bool
	ElevationInPosition    bool
	MaskInPosition         bool
	MaskRotationInPosition bool
	FocusInPosition        bool

	Parked     bool
	AutoParked bool

	// Panic is the controller watchdog flag; nonzero faults the controller.
	Panic bool
	// Per-axis encoder status flags; true means the encoder reports an issue.
	AzimuthEncoderError      bool
	ElevationEncoderError    bool
	MaskEncoderError         bool
	MaskRotationEncoderError bool
	FocusEncoderError        bool
}

// StateChange describes one lifecycle transition.
type StateChange struct {
	State State
	// Reason carries the fault reason; empty outside Fault.
	Reason string
	// Host is the device address in use, real or simulator.
	Host           string
	SimulationMode bool
}

// Target is the commanded position set, emitted once at the start of each
// commanded move.
type Target struct {
	Azimuth      float64
	Elevation    float64
	Focus        float64
	Mask         string
	MaskRotation float64
}

// MountInPosition pairs the azimuth and elevation flags, which are always
// published together.
type MountInPosition struct {
	Azimuth   bool
	Elevation bool
}

// Events holds the callbacks fired at the supervisory boundary. Every field
// is optional. Callbacks run on the controller's goroutines with no locks
// held, so they may call back into the controller; they should not block for
// long or telemetry stalls.
type Events struct {
	StateChanged           func(StateChange)
	Target                 func(Target)
	MountInPosition        func(MountInPosition)
	MaskRotationInPosition func(bool)
	MaskInPosition         func(bool)
	FocusInPosition        func(bool)
	Status                 func(Status)
}

// pending collects the notifications produced under the state lock, to be
// emitted after it is released.
type pending struct {
	state   *StateChange
	target  *Target
	mount   *MountInPosition
	maskRot *bool
	mask    *bool
	focus   *bool
	status  *Status
}

func (c *CBP) emit(p pending) {
	if p.state != nil && c.events.StateChanged != nil {
		c.events.StateChanged(*p.state)
	}
	if p.target != nil && c.events.Target != nil {
		c.events.Target(*p.target)
	}
	if p.mount != nil && c.events.MountInPosition != nil {
		c.events.MountInPosition(*p.mount)
	}
	if p.maskRot != nil && c.events.MaskRotationInPosition != nil {
		c.events.MaskRotationInPosition(*p.maskRot)
	}
	if p.mask != nil && c.events.MaskInPosition != nil {
		c.events.MaskInPosition(*p.mask)
	}
	if p.focus != nil && c.events.FocusInPosition != nil {
		c.events.FocusInPosition(*p.focus)
	}
	if p.status != nil && c.events.Status != nil {
		c.events.Status(*p.status)
	}
}
