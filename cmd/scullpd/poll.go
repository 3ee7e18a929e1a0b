package main

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/FerroO2000/scullp/server"
	"github.com/spf13/cobra"
)

func newPollCommand() *cobra.Command {
	var (
		network string
		address string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:          "poll <device>",
		Short:        "Show the readiness of a device served by a running daemon",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			line, err := pollDevice(network, address, args[0], timeout)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), line)
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&network, "network", server.DefaultNetwork, "Network of the stream server")
	fs.StringVar(&address, "address", server.DefaultAddress, "Address of the stream server")
	fs.DurationVar(&timeout, "timeout", 5*time.Second, "Timeout of the request")

	return cmd
}

func pollDevice(network, address, name string, timeout time.Duration) (string, error) {
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return "", err
	}

	if _, err := fmt.Fprintf(conn, "%s %s\n", server.CommandPoll, name); err != nil {
		return "", err
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSpace(line)

	if reason, ok := strings.CutPrefix(line, server.ResponseErr+" "); ok {
		return "", fmt.Errorf("poll %s: %s", name, reason)
	}

	return line, nil
}
