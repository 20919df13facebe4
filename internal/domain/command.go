package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrUnknownCommand = errors.New("unknown ptz command")

// Command is a discrete PTZ identifier understood by the camera.
type Command string

const (
	startSuffix = "_start"
	stopSuffix  = "_stop"
)

const (
	CmdUpStart        Command = "up_start"
	CmdUpStop         Command = "up_stop"
	CmdDownStart      Command = "down_start"
	CmdDownStop       Command = "down_stop"
	CmdLeftStart      Command = "left_start"
	CmdLeftStop       Command = "left_stop"
	CmdRightStart     Command = "right_start"
	CmdRightStop      Command = "right_stop"
	CmdLeftUpStart    Command = "leftup_start"
	CmdLeftUpStop     Command = "leftup_stop"
	CmdLeftDownStart  Command = "leftdown_start"
	CmdLeftDownStop   Command = "leftdown_stop"
	CmdRightUpStart   Command = "rightup_start"
	CmdRightUpStop    Command = "rightup_stop"
	CmdRightDownStart Command = "rightdown_start"
	CmdRightDownStop  Command = "rightdown_stop"
	CmdZoomInStart    Command = "zoomadd_start"
	CmdZoomInStop     Command = "zoomadd_stop"
	CmdZoomOutStart   Command = "zoomdec_start"
	CmdZoomOutStop    Command = "zoomdec_stop"
	CmdFocusInStart   Command = "focusadd_start"
	CmdFocusInStop    Command = "focusadd_stop"
	CmdFocusOutStart  Command = "focusdec_start"
	CmdFocusOutStop   Command = "focusdec_stop"
	CmdGoHome         Command = "go_home"
)

var knownCommands = map[Command]struct{}{
	CmdUpStart: {}, CmdUpStop: {}, CmdDownStart: {}, CmdDownStop: {},
	CmdLeftStart: {}, CmdLeftStop: {}, CmdRightStart: {}, CmdRightStop: {},
	CmdLeftUpStart: {}, CmdLeftUpStop: {}, CmdLeftDownStart: {}, CmdLeftDownStop: {},
	CmdRightUpStart: {}, CmdRightUpStop: {}, CmdRightDownStart: {}, CmdRightDownStop: {},
	CmdZoomInStart: {}, CmdZoomInStop: {}, CmdZoomOutStart: {}, CmdZoomOutStop: {},
	CmdFocusInStart: {}, CmdFocusInStop: {}, CmdFocusOutStart: {}, CmdFocusOutStop: {},
	CmdGoHome: {},
}

func ParseCommand(s string) (Command, error) {
	c := Command(s)
	if _, ok := knownCommands[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
	}
	return c, nil
}

// IsStart reports whether c begins a movement that needs a paired stop.
func (c Command) IsStart() bool { return strings.HasSuffix(string(c), startSuffix) }

// Stop derives the paired stop identifier by replacing the "_start" suffix.
// Commands without the suffix have no pair and are returned unchanged.
func (c Command) Stop() Command {
	if !c.IsStart() {
		return c
	}
	return Command(strings.TrimSuffix(string(c), startSuffix) + stopSuffix)
}

// compass is ordered counter-clockwise from +x in 45 degree sectors;
// screen y grows downwards so dy is negated before use.
var compass = [8]Command{
	CmdRightStart, CmdRightUpStart, CmdUpStart, CmdLeftUpStart,
	CmdLeftStart, CmdLeftDownStart, CmdDownStart, CmdRightDownStart,
}

// Direction maps a pointer drag delta to a directional start command.
// Deltas whose length is below deadzone map to nothing.
func Direction(dx, dy, deadzone float64) (Command, bool) {
	if math.Hypot(dx, dy) < deadzone || (dx == 0 && dy == 0) {
		return "", false
	}
	angle := math.Atan2(-dy, dx)
	if angle < 0 {
		angle += 2 * math.Pi
	}
	sector := int(math.Floor((angle+math.Pi/8)/(math.Pi/4))) % 8
	return compass[sector], true
}
