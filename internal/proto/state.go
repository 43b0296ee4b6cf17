package proto

import "fmt"

// PlayState is the transport-level playback state. The numeric values
// are part of the wire format.
type PlayState int

const (
	Stopped     PlayState = 1
	Paused      PlayState = 2
	Playing     PlayState = 3
	ScanForward PlayState = 4
	ScanReverse PlayState = 5
)

var playStateNames = map[PlayState]string{
	Stopped:     "stopped",
	Paused:      "paused",
	Playing:     "playing",
	ScanForward: "scan_forward",
	ScanReverse: "scan_reverse",
}

// Valid reports whether s is one of the defined states.
func (s PlayState) Valid() bool {
	_, ok := playStateNames[s]
	return ok
}

func (s PlayState) String() string {
	if name, ok := playStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("PlayState(%d)", int(s))
}

// ParsePlayState maps a state name back to its value.
func ParsePlayState(name string) (PlayState, error) {
	for s, n := range playStateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown play state %q", name)
}
