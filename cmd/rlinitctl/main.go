// rlinitctl is the control CLI for a running rlinit. It speaks the
// datagram control protocol over the Unix socket.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sunlightlinux/rlinit/pkg/control"
)

var socketPath string

func main() {
	root := &cobra.Command{
		Use:           "rlinitctl",
		Short:         "Control a running rlinit instance",
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&socketPath, "socket-path", "s",
		control.DefaultSocketPath, "control socket path")

	root.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show runlevel and all service states",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(control.CmdStatus)
			},
		},
		&cobra.Command{
			Use:   "runlevel <0-9>",
			Short: "Change runlevel (0 powers off, 6 reboots)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(control.CmdRunlevel + " " + args[0])
			},
		},
		&cobra.Command{
			Use:   "reload",
			Short: "Reload configuration and apply changes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(control.CmdReload)
			},
		},
		serviceCommand(control.CmdStart, "Start a service"),
		serviceCommand(control.CmdStop, "Stop a service"),
		serviceCommand(control.CmdRestart, "Restart a service"),
		powerCommand(control.CmdPoweroff, "Power off the system"),
		powerCommand(control.CmdReboot, "Reboot the system"),
		powerCommand(control.CmdHalt, "Halt the system"),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rlinitctl: %v\n", err)
		os.Exit(1)
	}
}

func serviceCommand(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <service>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(verb + " " + args[0])
		},
	}
}

func powerCommand(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return send(verb)
		},
	}
}

func send(command string) error {
	payload, err := control.Send(socketPath, command)
	if err != nil {
		return err
	}
	if payload != "" {
		fmt.Println(payload)
	}
	return nil
}
