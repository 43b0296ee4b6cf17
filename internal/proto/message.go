package proto

// FollowerBound is a message sent by the hub to its followers. The set of
// implementations is closed: StateSync, PlayFile and Heartbeat.
type FollowerBound interface {
	followerBound()
	Type() string
}

// HubBound is a message sent by a follower to the hub. The set of
// implementations is closed: HeartbeatAck and Relay.
type HubBound interface {
	hubBound()
	Type() string
}

// StateSync carries the sender's play state and position.
type StateSync struct {
	State    PlayState
	Position float64 // seconds
}

// PlayFile asks the receiver to switch to a file with this base name,
// looked up next to the file it currently has open.
type PlayFile struct {
	FileName string
}

// Heartbeat is the hub's liveness probe.
type Heartbeat struct{}

// HeartbeatAck answers a Heartbeat.
type HeartbeatAck struct{}

// Relay asks the hub to broadcast Payload to every follower.
type Relay struct {
	Payload FollowerBound
}

func (StateSync) followerBound() {}
func (PlayFile) followerBound()  {}
func (Heartbeat) followerBound() {}

func (HeartbeatAck) hubBound() {}
func (Relay) hubBound()        {}

func (StateSync) Type() string    { return TypeStateSync }
func (PlayFile) Type() string     { return TypePlayFile }
func (Heartbeat) Type() string    { return TypeHeartbeat }
func (HeartbeatAck) Type() string { return TypeHeartbeatAck }
func (Relay) Type() string        { return TypeRelay }
