package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/cluster-power-manager/pstate-engine/pkg/power"

	"github.com/klauspost/cpuid/v2"
)

var errUsage = errors.New("usage")

type command struct {
	name  string
	usage string
	help  string
	args  int
	run   func(engine power.Engine, args []string, out io.Writer) error
}

var commands = []command{
	{name: "get_pstate", usage: "get_pstate", help: "Gets the P-state the hardware runs at", run: getPState},
	{name: "set_pstate", usage: "set_pstate <selector>", help: "Programs a P-state selector", args: 1, run: setPState},
	{name: "get_freq", usage: "get_freq", help: "Gets the average frequency since the previous call", run: getFreq},
	{name: "set_freq", usage: "set_freq <kHz>", help: "Programs the calibrated P-state nearest to a frequency", args: 1, run: setFreq},
	{name: "table", usage: "table", help: "Prints the calibration table", run: printTable},
	{name: "info", usage: "info", help: "Prints processor identification and engine features", run: printInfo},
}

func findCommand(name string) (command, bool) {
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd, true
		}
	}
	return command{}, false
}

// runCommand executes one command line against engine, output goes to out
func runCommand(engine power.Engine, line string, out io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, ok := findCommand(fields[0])
	if !ok {
		return fmt.Errorf("unknown command %q", fields[0])
	}
	if len(fields)-1 != cmd.args {
		return fmt.Errorf("%w: %s", errUsage, cmd.usage)
	}
	return cmd.run(engine, fields[1:], out)
}

func getPState(engine power.Engine, _ []string, out io.Writer) error {
	pstate, err := engine.CurrentPState()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "0x%016x\n", pstate)
	return nil
}

func setPState(engine power.Engine, args []string, out io.Writer) error {
	pstate, err := strconv.ParseUint(args[0], 0, 16)
	if err != nil {
		return fmt.Errorf("invalid P-state %q: %w", args[0], err)
	}
	if err := engine.SetPState(uint16(pstate)); err != nil {
		return err
	}
	fmt.Fprintf(out, "P-state set to %#04x\n", pstate)
	return nil
}

func getFreq(engine power.Engine, _ []string, out io.Writer) error {
	khz, ok, err := engine.CurrentFrequencyKHz()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(out, "no sample, counters did not advance")
		return nil
	}
	fmt.Fprintf(out, "%d kHz\n", khz)
	return nil
}

func setFreq(engine power.Engine, args []string, out io.Writer) error {
	khz, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid frequency %q: %w", args[0], err)
	}
	pstate, err := engine.SetFrequency(khz)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "P-state set to %#04x for %d kHz\n", pstate, khz)
	return nil
}

func printTable(engine power.Engine, _ []string, out io.Writer) error {
	table := engine.GetTable()
	if table == nil {
		return power.ErrNotReady
	}
	fmt.Fprintf(out, "%-8s %s\n", "PSTATE", "KHZ")
	for _, entry := range table.Entries() {
		fmt.Fprintf(out, "%#04x   %d\n", entry.PState, entry.KHz)
	}
	if declined := table.Declined.UnsortedList(); len(declined) > 0 {
		slices.Sort(declined)
		fmt.Fprintf(out, "declined:")
		for _, pstate := range declined {
			fmt.Fprintf(out, " %#04x", pstate)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func printInfo(engine power.Engine, _ []string, out io.Writer) error {
	fmt.Fprintf(out, "cpu:        %d\n", engine.GetCPU())
	fmt.Fprintf(out, "brand:      %s\n", cpuid.CPU.BrandName)
	fmt.Fprintf(out, "vendor:     %s (family %d, model %d, %d logical cores)\n",
		cpuid.CPU.VendorString, cpuid.CPU.Family, cpuid.CPU.Model, cpuid.CPU.LogicalCores)
	fmt.Fprintf(out, "state:      %s\n", engine.GetState())

	desc := engine.GetDescriptor()
	fmt.Fprintf(out, "base:       %d kHz\n", desc.BaseKHz)
	fmt.Fprintf(out, "max:        %d kHz\n", desc.MaxKHz)
	fmt.Fprintf(out, "range:      %#04x - %#04x\n", desc.Min, desc.Max)
	fmt.Fprintf(out, "current:    %#04x\n", desc.Current)

	features := engine.GetFeaturesInfo()
	for _, id := range slices.Sorted(maps.Keys(features)) {
		status := features[id]
		if err := status.FeatureError(); err != nil {
			fmt.Fprintf(out, "feature:    %s (%s): %v\n", status.Name(), status.Driver(), err)
		} else {
			fmt.Fprintf(out, "feature:    %s (%s): supported\n", status.Name(), status.Driver())
		}
	}
	return nil
}

// runShell reads command lines from in until EOF or exit. Command failures are printed and
// the shell carries on, a hardware fault ends it.
func runShell(engine power.Engine, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "pstate> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "exit", "quit":
			return nil
		case "help":
			for _, cmd := range commands {
				fmt.Fprintf(out, "%-24s %s\n", cmd.usage, cmd.help)
			}
		default:
			if err := runCommand(engine, line, out); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				if errors.Is(err, power.ErrHardwareFault) {
					return err
				}
			}
		}
		fmt.Fprint(out, "pstate> ")
	}
	return scanner.Err()
}
