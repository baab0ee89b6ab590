package server

// Status is the lifecycle state of a server process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
)

// Active reports whether a process is attached to the instance.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusStopping
}

func (s Status) String() string {
	return string(s)
}
