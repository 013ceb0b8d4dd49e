package main

import (
	"fmt"
	"net"
	"path/filepath"

	"github.com/spf13/cobra"
)

var notifyAddr string

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Send a command datagram to a running server",
}

var notifyProcessCmd = &cobra.Command{
	Use:   "process <path>",
	Short: "Ask the server to process a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve %s: %w", args[0], err)
		}
		return sendCommand("process " + path)
	},
}

var notifyStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the server's receive loop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand("stop")
	},
}

func init() {
	notifyCmd.PersistentFlags().StringVar(&notifyAddr, "addr", "", "server address host:port (default: from configuration)")
	notifyCmd.AddCommand(notifyProcessCmd, notifyStopCmd)
	rootCmd.AddCommand(notifyCmd)
}

func sendCommand(text string) error {
	addr := notifyAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = cfg.Address()
	}

	conn, err := net.Dial("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to send to %s: %w", addr, err)
	}
	return nil
}
