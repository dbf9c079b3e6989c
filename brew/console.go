package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/itohio/gobrew/pkg/machine"
)

var errUsage = errors.New("usage: brew | steam | stop | tune | reset | target <g> | tare | on | off | status")

// operator is what the console needs from the controller.
type operator interface {
	Submit(cmd machine.Command) error
	Status() machine.Status
}

// parseCommand maps one console line to a machine command. status reports
// a status query, which has no command.
func parseCommand(line string) (cmd machine.Command, status bool, err error) {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return machine.Command{}, false, errUsage
	}

	switch fields[0] {
	case "brew":
		cmd = machine.StartBrew()
	case "steam":
		cmd = machine.StartSteam()
	case "stop":
		cmd = machine.Stop()
	case "tune":
		cmd = machine.StartAutotune()
	case "reset":
		cmd = machine.ResetFault()
	case "tare":
		cmd = machine.Tare()
	case "on":
		cmd = machine.PowerOn()
	case "off":
		cmd = machine.PowerOff()
	case "status":
		return machine.Command{}, true, nil
	case "target":
		if len(fields) != 2 {
			return machine.Command{}, false, errUsage
		}
		g, err := strconv.ParseFloat(fields[1], 32)
		if err != nil {
			return machine.Command{}, false, fmt.Errorf("invalid target %q: %w", fields[1], err)
		}
		cmd = machine.SetWeightTarget(float32(g))
	default:
		return machine.Command{}, false, errUsage
	}

	if len(fields) > 1 && fields[0] != "target" {
		return machine.Command{}, false, errUsage
	}
	return cmd, false, nil
}

// console reads operator commands from in until EOF or ctx is done.
// Rejections are reported in the status of the next tick, not here.
func console(ctx context.Context, in io.Reader, out io.Writer, op operator, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}

			cmd, status, err := parseCommand(line)
			switch {
			case err != nil:
				fmt.Fprintln(out, err)
			case status:
				printStatus(out, op.Status())
			default:
				if err := op.Submit(cmd); err != nil {
					fmt.Fprintln(out, err)
					continue
				}
				log.Debug("command submitted", slog.String("command", cmd.Kind.String()))
			}
		}
	}
}

func printStatus(out io.Writer, st machine.Status) {
	v := newStatusView(st)
	fmt.Fprintf(out, "mode=%s temp=%.1f°C setpoint=%.1f°C heater=%.0f%% weight=%.1fg tank=%s target=%.1fg\n",
		v.Mode, v.Temperature, v.Setpoint, v.Heater, v.Weight, v.Tank, v.WeightTarget)
	if v.Shot.ID != 0 {
		fmt.Fprintf(out, "shot #%d active=%t stage=%s elapsed=%s dispensed=%.1fg cutoff=%t\n",
			v.Shot.ID, v.Shot.Active, v.Shot.Stage, v.Shot.Elapsed, v.Shot.Dispensed, v.Shot.Cutoff)
	}
	if v.Autotune.Session != "" {
		fmt.Fprintf(out, "autotune %s phase=%s progress=%.0f%% cycles=%d\n",
			v.Autotune.Session, v.Autotune.Phase, v.Autotune.Progress, v.Autotune.Cycles)
	}
	if v.Fault != nil {
		fmt.Fprintf(out, "fault %s (%s) value=%.1f at %s\n",
			v.Fault.Code, v.Fault.Condition, v.Fault.Value, v.Fault.Timestamp.Format(time.RFC3339))
	}
	if v.Rejected != "" {
		fmt.Fprintf(out, "last rejected: %s\n", v.Rejected)
	}
}
