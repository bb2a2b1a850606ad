package models

// Command is the kind of work a job asks a worker to perform.
type Command int

const (
	CommandPredict Command = iota
	CommandDescribe
	CommandLoad
	CommandUnload
	CommandScale
	CommandStats
)

func (c Command) String() string {
	switch c {
	case CommandPredict:
		return "predict"
	case CommandDescribe:
		return "describe"
	case CommandLoad:
		return "load"
	case CommandUnload:
		return "unload"
	case CommandScale:
		return "scale"
	case CommandStats:
		return "stats"
	default:
		return "unknown"
	}
}

// IsControl is true for commands that manage the worker rather than run inference.
func (c Command) IsControl() bool {
	return c != CommandPredict && c != CommandDescribe
}

// IsSingleBatch is true for commands that are never batched with other jobs.
func (c Command) IsSingleBatch() bool {
	return c == CommandDescribe
}

// ParseCommand maps the name of a command back to it.
func ParseCommand(name string) (Command, bool) {
	for c := CommandPredict; c <= CommandStats; c++ {
		if c.String() == name {
			return c, true
		}
	}

	return CommandPredict, false
}
