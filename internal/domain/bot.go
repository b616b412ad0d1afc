package domain

// BotStatus is the lifecycle state of the remote trading process.
type BotStatus string

const (
	BotStopped  BotStatus = "stopped"
	BotStarting BotStatus = "starting"
	BotRunning  BotStatus = "running"
	BotStopping BotStatus = "stopping"
	BotError    BotStatus = "error"
)

// Valid reports whether s is one of the known statuses.
func (s BotStatus) Valid() bool {
	switch s {
	case BotStopped, BotStarting, BotRunning, BotStopping, BotError:
		return true
	}
	return false
}

// BotCommand is a client-initiated lifecycle request.
type BotCommand string

const (
	BotStart BotCommand = "start"
	BotStop  BotCommand = "stop"
)

var botCommands = map[BotCommand]struct {
	from BotStatus
	to   BotStatus
}{
	BotStart: {from: BotStopped, to: BotStarting},
	BotStop:  {from: BotRunning, to: BotStopping},
}

// NextBotStatus returns the optimistic status a command moves to, or false if
// the command is not permitted from current.
func NextBotStatus(current BotStatus, cmd BotCommand) (BotStatus, bool) {
	rule, ok := botCommands[cmd]
	if !ok || rule.from != current {
		return current, false
	}
	return rule.to, true
}

// botEvents lists the transitions a server-pushed status may cause.
var botEvents = map[BotStatus][]BotStatus{
	BotStopped:  {BotStarting, BotRunning},
	BotStarting: {BotRunning, BotError, BotStopped},
	BotRunning:  {BotStopping, BotStopped, BotError},
	BotStopping: {BotStopped, BotError},
	BotError:    {BotStopped, BotStarting, BotRunning},
}

// ExpectedBotTransition reports whether an authoritative status change from
// one status to another is part of the lifecycle. Unexpected transitions are
// still applied; the server is authoritative.
func ExpectedBotTransition(from, to BotStatus) bool {
	if from == to {
		return true
	}
	for _, next := range botEvents[from] {
		if next == to {
			return true
		}
	}
	return false
}
