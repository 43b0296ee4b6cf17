// Package playback is the bridge between the sync roles and a local media
// player. Roles only ever see an ExecutionContext; the player behind it is a
// Host.
package playback

import (
	"github.com/petervdpas/syncvideo/internal/proto"
)

// ExecutionContext is the capability set a role may use on the local player.
// All methods are safe to call from any goroutine.
type ExecutionContext interface {
	SetPlayState(state proto.PlayState)
	SetPosition(seconds float64)
	CurrentState() proto.StateSync
	AttemptPlayFile(name string)
	Log(line string)
}

// Host is a local media player.
type Host interface {
	PlayState() (proto.PlayState, error)
	SetPlayState(state proto.PlayState) error
	Position() (float64, error)
	SetPosition(seconds float64) error

	// CurrentFile returns the path of the open file, or "" when none is open.
	CurrentFile() string
	Open(path string) error

	// OnChange registers fn to be called whenever the player's state,
	// position or file changes, including changes we caused ourselves.
	OnChange(fn func())
}

// Apply executes the player-facing effect of a hub-to-follower message.
// Heartbeat has no local effect; answering it is up to the role.
func Apply(ec ExecutionContext, m proto.FollowerBound) {
	switch msg := m.(type) {
	case proto.StateSync:
		ec.SetPlayState(msg.State)
		ec.SetPosition(msg.Position)
		ec.Log("Synced player state")
	case proto.PlayFile:
		ec.AttemptPlayFile(msg.FileName)
	case proto.Heartbeat:
	}
}
