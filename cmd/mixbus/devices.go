package main

import (
	"flag"
	"fmt"

	"github.com/aukern/mixbus/portaudio"
)

type devicesCommand struct{}

func (cmd *devicesCommand) Name() string { return "devices" }

func (cmd *devicesCommand) Help() string { return "List the audio devices of this host" }

func (cmd *devicesCommand) Register(*flag.FlagSet) {}

func (cmd *devicesCommand) Run() error {
	devices, err := portaudio.Devices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		mark := " "
		if d.Default {
			mark = "*"
		}
		fmt.Printf("%s %-40s in:%-2d out:%-2d %d Hz\n", mark, d.Name, d.Inputs, d.Outputs, d.SampleRate)
	}
	return nil
}
