package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// ============================================================================
// mpdmqtt-ctl - Command-line IPC Client
// ============================================================================
// Sends commands to the mpdmqtt daemon over its control socket. Commands take
// the same path as the MQTT command topics, so the daemon validates and
// applies them identically.
//
// Usage:
//   mpdmqtt-ctl play
//   mpdmqtt-ctl stop-after
//   mpdmqtt-ctl volume 40
//   mpdmqtt-ctl state
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/mpdmqtt.sock)
// ============================================================================

// CommandMessage is the control socket request (duplicated from the daemon
// for a standalone binary).
type CommandMessage struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload,omitempty"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
}

const ioTimeout = 5 * time.Second

// usageError is a command-line mistake; main prints the help text after it.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func main() {
	socketPath := "/tmp/mpdmqtt.sock"

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	}

	msg, err := parseCommand(args)
	if err != nil {
		var ue *usageError
		if errors.As(err, &ue) {
			fmt.Fprintf(os.Stderr, "error: %v\n", ue)
			printUsage()
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}

	resp, err := send(socketPath, msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(resp.State) > 0 {
		var pretty any
		if err := json.Unmarshal(resp.State, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
			return
		}
		fmt.Println(string(resp.State))
		return
	}
	fmt.Println("ok")
}

// parseCommand maps command-line arguments to a control socket request.
func parseCommand(args []string) (CommandMessage, error) {
	usage := func(format string, a ...any) (CommandMessage, error) {
		return CommandMessage{}, &usageError{msg: fmt.Sprintf(format, a...)}
	}

	switch args[0] {
	case "play", "pause", "stop", "next", "query":
		return CommandMessage{Topic: "CMD", Payload: args[0]}, nil

	case "stop-after", "stop_after":
		return CommandMessage{Topic: "CMD", Payload: "stop after"}, nil

	case "volume", "vol":
		if len(args) < 2 {
			return usage("volume requires a value 0-100")
		}
		return CommandMessage{Topic: "CMD/volume", Payload: args[1]}, nil

	case "repeat", "random":
		if len(args) < 2 {
			return usage("%s requires 0 or 1", args[0])
		}
		switch args[1] {
		case "on":
			args[1] = "1"
		case "off":
			args[1] = "0"
		}
		return CommandMessage{Topic: "CMD/" + args[0], Payload: args[1]}, nil

	case "state", "status":
		return CommandMessage{Topic: "STATE"}, nil

	default:
		return usage("unknown command: %s", args[0])
	}
}

func send(socketPath string, msg CommandMessage) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, ioTimeout)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	data, err := json.Marshal(msg)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal command: %w", err)
	}

	// Line-delimited JSON
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return IPCResponse{}, fmt.Errorf("send command: %w", err)
	}

	var response IPCResponse
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}

	if response.Status == "error" {
		return response, fmt.Errorf("daemon error: %s", response.Error)
	}
	return response, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `mpdmqtt-ctl - Control the mpdmqtt daemon via IPC

Usage:
  mpdmqtt-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/mpdmqtt.sock)

Commands:
  play                    Start playback (clears stop-after)
  pause                   Pause playback
  stop                    Stop playback now
  stop-after              Stop at the end of the current song
  next                    Skip to the next song (clears stop-after)
  query                   Republish every MQTT topic
  volume, vol <0-100>     Set the volume
  repeat <0|1|on|off>     Set repeat mode
  random <0|1|on|off>     Set random mode
  state, status           Print the daemon's current state
  help, -h, --help        Show this help message

Examples:
  mpdmqtt-ctl stop-after
  mpdmqtt-ctl volume 35
  mpdmqtt-ctl -socket /run/mpdmqtt.sock state
`)
}
