package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// The control socket lets local tools (mpdmqtt-ctl, scripts, hooks) issue the
// same commands as the MQTT command topics without going through the broker.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"topic": "CMD", "payload": "stop after"}
//                   {"topic": "CMD/volume", "payload": "40"}
//                   {"topic": "STATE"}
//   - Server responds: {"status": "ok"} or {"status": "error", "error": "msg"}
//     STATE replies carry the daemon's current view in "state".
//
// Commands are validated before they are queued, so a bad command is
// reported to the caller instead of only being logged by the daemon.
// ============================================================================

// ipcStateTopic asks for the daemon's current state instead of a command.
const ipcStateTopic = "STATE"

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string     `json:"status"`          // "ok" or "error"
	Error  string     `json:"error,omitempty"` // error message if status == "error"
	State  *wireState `json:"state,omitempty"`
}

// runIPCServer starts the Unix domain socket server.
// It runs until ctx is canceled, at which point it closes the listener and exits.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, events, logger)
	}
}

// handleIPCConnection handles a single IPC connection
func handleIPCConnection(ctx context.Context, conn net.Conn, events chan<- Event, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		logger.Debug("IPC received", "line", string(line))

		resp := handleIPCLine(ctx, line, events)
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

func handleIPCLine(ctx context.Context, line []byte, events chan<- Event) IPCResponse {
	var msg CommandMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		return IPCResponse{Status: "error", Error: fmt.Sprintf("parse command: %v", err)}
	}

	if strings.TrimSpace(msg.Topic) == ipcStateTopic {
		snap, err := requestState(ctx, events, time.Second)
		if err != nil {
			return IPCResponse{Status: "error", Error: err.Error()}
		}
		ws := toWireState(snap)
		return IPCResponse{Status: "ok", State: &ws}
	}

	if _, err := DecodeCommand(msg); err != nil {
		return IPCResponse{Status: "error", Error: err.Error()}
	}

	select {
	case events <- LocalCommand{Msg: msg, Origin: "ipc"}:
		return IPCResponse{Status: "ok"}
	default:
		return IPCResponse{Status: "error", Error: "event queue full"}
	}
}

// requestState asks the daemon loop for its state and waits up to timeout.
func requestState(ctx context.Context, events chan<- Event, timeout time.Duration) (StateSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply := make(chan StateSnapshot, 1)
	select {
	case events <- RequestStateSnapshot{Reply: reply}:
	case <-ctx.Done():
		return StateSnapshot{}, fmt.Errorf("state request: %w", ctx.Err())
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return StateSnapshot{}, fmt.Errorf("state request: %w", ctx.Err())
	}
}
