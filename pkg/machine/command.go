package machine

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned by Submit when the command queue is full.
	ErrQueueFull = errors.New("command queue full")

	// ErrCommandRejected is the root of every command rejection.
	ErrCommandRejected = errors.New("command rejected")

	ErrNotApplicable  = fmt.Errorf("%w: not applicable in current mode", ErrCommandRejected)
	ErrTankLow        = fmt.Errorf("%w: tank level insufficient", ErrCommandRejected)
	ErrDispensing     = fmt.Errorf("%w: machine is dispensing", ErrCommandRejected)
	ErrUnknownCommand = fmt.Errorf("%w: unknown command", ErrCommandRejected)
	ErrInvalidTarget  = fmt.Errorf("%w: invalid weight target", ErrCommandRejected)
	ErrFaultLatched   = fmt.Errorf("%w: fault latched, reset required", ErrCommandRejected)
)

// MaxWeightTarget bounds SetWeightTarget, in grams.
const MaxWeightTarget = 200

// CommandKind enumerates operator commands.
type CommandKind uint8

const (
	CmdUnknown CommandKind = iota
	CmdStartBrew
	CmdStartSteam
	CmdStop
	CmdStartAutotune
	CmdResetFault
	CmdSetWeightTarget
	CmdTare
	CmdPowerOn
	CmdPowerOff
)

func (k CommandKind) String() string {
	switch k {
	case CmdStartBrew:
		return "start_brew"
	case CmdStartSteam:
		return "start_steam"
	case CmdStop:
		return "stop"
	case CmdStartAutotune:
		return "start_autotune"
	case CmdResetFault:
		return "reset_fault"
	case CmdSetWeightTarget:
		return "set_weight_target"
	case CmdTare:
		return "tare"
	case CmdPowerOn:
		return "power_on"
	case CmdPowerOff:
		return "power_off"
	default:
		return "unknown"
	}
}

// Command is an operator request. Grams is only used by CmdSetWeightTarget.
type Command struct {
	Kind  CommandKind
	Grams float32
}

func StartBrew() Command     { return Command{Kind: CmdStartBrew} }
func StartSteam() Command    { return Command{Kind: CmdStartSteam} }
func Stop() Command          { return Command{Kind: CmdStop} }
func StartAutotune() Command { return Command{Kind: CmdStartAutotune} }
func ResetFault() Command    { return Command{Kind: CmdResetFault} }
func Tare() Command          { return Command{Kind: CmdTare} }
func PowerOn() Command       { return Command{Kind: CmdPowerOn} }
func PowerOff() Command      { return Command{Kind: CmdPowerOff} }

// SetWeightTarget sets the shot output in grams. Zero selects time-based shots.
func SetWeightTarget(grams float32) Command {
	return Command{Kind: CmdSetWeightTarget, Grams: grams}
}
