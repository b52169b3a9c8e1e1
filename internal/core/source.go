package core

import "time"

// MediaSink consumes the output of a machine's real-time loop. All methods
// are called from the machine goroutine and may block it (backpressure).
type MediaSink interface {
	// SubmitVideo hands one display update to the sink.
	SubmitVideo(frame Frame) error

	// SubmitAudio hands one audio callback to the sink.
	SubmitAudio(chunk AudioChunk) error

	// Idle is called once per loop iteration while the machine produces no
	// media (for example while paused) so time based work keeps running.
	Idle(now time.Time) error
}

// Machine is the emulated session. Run blocks on the calling goroutine until
// ScheduleExit is observed or the program ends.
type Machine interface {
	// Run executes the real-time loop, writing media into sink
	Run(sink MediaSink) error

	// Pause suspends emulation; the loop keeps calling sink.Idle
	Pause()

	// Resume continues emulation after Pause
	Resume()

	// Paused reports whether emulation is suspended for any reason
	Paused() bool

	// ScheduleExit asks the loop to stop at its next iteration boundary
	ScheduleExit()

	// Inputs returns the sink for device key events
	Inputs() InputSink

	// SourceSize returns the native frame size of the machine
	SourceSize() (width, height int)
}

// MachineConfig carries the parameters a machine is bootstrapped with.
type MachineConfig struct {
	Program    string
	Width      int
	Height     int
	FPS        int
	SampleRate int
	Channels   int
}

// MachineFactory bootstraps a machine for a program identifier.
type MachineFactory func(cfg MachineConfig) (Machine, error)
