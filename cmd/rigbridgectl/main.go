package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dougsko/rigbridge/pkg/client"
	"github.com/dougsko/rigbridge/pkg/logging"
	"github.com/dougsko/rigbridge/pkg/protocol"
	"github.com/dougsko/rigbridge/pkg/state"
	flag "github.com/spf13/pflag"
)

var (
	server  = flag.StringP("server", "s", "http://localhost:3000", "rigbridge base URL")
	command = flag.String("cmd", "", "Command to send (e.g. 'STATUS', 'FREQ:14.074MHz')")
	timeout = flag.Duration("timeout", 5*time.Second, "Request timeout")
)

func main() {
	flag.Usage = showHelp
	flag.Parse()

	if *command == "" {
		if flag.NArg() > 0 {
			*command = strings.Join(flag.Args(), " ")
		} else {
			showHelp()
			return
		}
	}

	cmd, err := protocol.ParseCommand(*command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	c := client.New(*server)

	if cmd.Type == protocol.CmdStream {
		os.Exit(follow(c, cmd))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := c.Execute(ctx, cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Printf("%s\n", out)
}

// follow prints rig snapshots (STREAM) or log entries (STREAM:logs) until interrupted
func follow(c *client.Client, cmd *protocol.Command) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	if target, _ := cmd.Args["target"].(string); target == "logs" {
		err = c.FollowLogs(ctx, func(e logging.Entry) bool {
			fmt.Printf("%s [%s] %s: %s\n", e.Time.Format("15:04:05.000"), e.Level, e.Component, e.Message)
			return true
		})
	} else {
		err = c.Stream(ctx, func(s state.Snapshot) bool {
			ptt := "RX"
			if s.PTT {
				ptt = "TX"
			}
			link := "connected"
			if !s.Connected {
				link = "disconnected"
			}
			fmt.Printf("%12.6f MHz  %-9s %5d Hz  %s  %s\n", float64(s.Freq)/1e6, s.Mode, s.Width, ptt, link)
			return true
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func showHelp() {
	fmt.Println("rigbridgectl - rigbridge control tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options] <command>\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  STATUS                    Get rig status")
	fmt.Println("  FREQ:<freq>               Tune (14074000, 14074kHz, 14.074MHz)")
	fmt.Println("  MODE:<mode>               Set mode (USB, LSB, CW, DATA-USB, ...)")
	fmt.Println("  PTT:<on|off>              Key or unkey the transmitter")
	fmt.Println("  PORTS                     List serial ports")
	fmt.Println("  PLUGINS                   List radio backends")
	fmt.Println("  CONFIG                    Show configuration")
	fmt.Println("  CONFIG:<key>:<value>      Change a setting (dotted key, JSON value)")
	fmt.Println("  LOGS                      Show recent log entries")
	fmt.Println("  LOGS:50                   Show the last 50 log entries")
	fmt.Println("  STREAM                    Follow rig changes until interrupted")
	fmt.Println("  STREAM:logs               Follow the log until interrupted")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s STATUS\n", os.Args[0])
	fmt.Printf("  %s FREQ:7.074MHz\n", os.Args[0])
	fmt.Printf("  %s CONFIG:radio.radioType:rigctld\n", os.Args[0])
	fmt.Printf("  %s --server http://shack-pi:3000 STREAM\n", os.Args[0])
}
