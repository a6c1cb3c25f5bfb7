package session

import (
	"context"

	"github.com/MrWong99/agrivoice/pkg/audio/capture"
	"github.com/MrWong99/agrivoice/pkg/audio/playout"
	"github.com/MrWong99/agrivoice/pkg/provider/s2s"
)

// Status is the caller-visible lifecycle phase of a [Manager].
type Status int

const (
	// StatusIdle means no session exists and no resources are held.
	StatusIdle Status = iota

	// StatusConnecting means devices and the network session are being opened.
	StatusConnecting

	// StatusConnected means audio flows in both directions.
	StatusConnected
)

// String returns the lowercase name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent view of the manager's observable state.
type Snapshot struct {
	Status Status
	// Volume is the microphone level in [0, 1]; 0 unless connected.
	Volume float64
	// Err is the last failure, cleared by the next Connect.
	Err error
}

// state is one of idleState, *connectingState or *connectedState. Each
// variant carries only the resources that are valid in that phase.
type state interface {
	status() Status
}

type idleState struct{}

func (idleState) status() Status { return StatusIdle }

// connectingState is owned by the Connect call that created it. Resources
// acquired during the attempt stay local to that call until it commits.
type connectingState struct {
	id     string
	cancel context.CancelFunc
	// done is closed when the owning Connect call has returned and released
	// everything it did not hand over.
	done chan struct{}
}

func (*connectingState) status() Status { return StatusConnecting }

type connectedState struct {
	id        string
	sched     *playout.Scheduler
	capture   *capture.Handle
	net       s2s.SessionHandle
	volume    *VolumeMonitor
	watermark uint64

	cancel context.CancelFunc
	// fwdDone and runDone are closed when the forwarder and the inbound
	// event loop exit.
	fwdDone chan struct{}
	runDone chan struct{}
	// released is closed once teardown has released every resource.
	released chan struct{}
}

func (*connectedState) status() Status { return StatusConnected }
