// Command mixbus runs the mixing engine. It lists audio devices, bounces
// files through the pipeline offline and runs the realtime daemon.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

const (
	successExitCode = 0
	errorExitCode   = 1
)

type command interface {
	Name() string
	Help() string
	Register(*flag.FlagSet)
	Run() error
}

var commands = []command{
	&devicesCommand{},
	&mixCommand{},
	&runCommand{},
}

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	name, rest := parseArgs(args)
	if name == "" {
		printUsage()
		return errorExitCode
	}
	for _, cmd := range commands {
		if cmd.Name() != name {
			continue
		}
		flags := flag.NewFlagSet(name, flag.ExitOnError)
		cmd.Register(flags)
		if err := flags.Parse(rest); err != nil {
			flags.PrintDefaults()
			return errorExitCode
		}
		if err := cmd.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "mixbus %s: %v\n", name, err)
			return errorExitCode
		}
		return successExitCode
	}
	fmt.Fprintf(os.Stderr, "mixbus: unknown command %q\n", name)
	printUsage()
	return errorExitCode
}

func parseArgs(args []string) (string, []string) {
	if len(args) < 2 {
		return "", nil
	}
	return args[1], args[2:]
}

func printUsage() {
	fmt.Println("Mixbus is a multi-device audio mixing engine")
	fmt.Println()
	fmt.Println("Usage: mixbus <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	for _, cmd := range commands {
		fmt.Printf("\t%s\t%s\n", cmd.Name(), cmd.Help())
	}
}

// stringList collects a repeatable string flag.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ";") }

func (l *stringList) Set(value string) error {
	*l = append(*l, value)
	return nil
}
