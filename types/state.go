package types

// State is the supervisor state of a session
type State int

// Supervisor states
const (
	StateInit       State = iota // 0 closure allocated
	StateSpawned                 // 1 child forked, loop not entered
	StateRunning                 // 2 loop dispatching
	StateSuspended               // 3 command and supervisor stopped
	StateExited                  // 4 command exited normally
	StateSignaled                // 5 command killed by signal
	StateExecFailed              // 6 command could not be executed
	StateClosed                  // 7 resources released
)

var stateString = []string{
	"Init",
	"Spawned",
	"Running",
	"Suspended",
	"Exited",
	"Signaled",
	"ExecFailed",
	"Closed",
}

func (s State) String() string {
	i := int(s)
	if i >= 0 && i < len(stateString) {
		return stateString[i]
	}
	return "Unknown"
}

// Terminal reports whether the command reached a final status
func (s State) Terminal() bool {
	return s >= StateExited
}
