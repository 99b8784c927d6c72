package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		args []string
		want CommandMessage
	}{
		{[]string{"play"}, CommandMessage{Topic: "CMD", Payload: "play"}},
		{[]string{"stop-after"}, CommandMessage{Topic: "CMD", Payload: "stop after"}},
		{[]string{"query"}, CommandMessage{Topic: "CMD", Payload: "query"}},
		{[]string{"volume", "35"}, CommandMessage{Topic: "CMD/volume", Payload: "35"}},
		{[]string{"repeat", "on"}, CommandMessage{Topic: "CMD/repeat", Payload: "1"}},
		{[]string{"random", "0"}, CommandMessage{Topic: "CMD/random", Payload: "0"}},
		{[]string{"state"}, CommandMessage{Topic: "STATE"}},
	}

	for _, tt := range tests {
		got, err := parseCommand(tt.args)
		require.NoError(t, err, tt.args)
		assert.Equal(t, tt.want, got, tt.args)
	}
}

func TestParseCommand_Usage(t *testing.T) {
	for _, args := range [][]string{{"volume"}, {"repeat"}, {"rewind"}} {
		_, err := parseCommand(args)
		require.Error(t, err, args)
		var ue *usageError
		assert.True(t, errors.As(err, &ue), args)
	}
}

func TestSend_RoundTrip(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "ctl.sock")
	l, err := net.Listen("unix", socket)
	require.NoError(t, err)
	defer l.Close()

	got := make(chan CommandMessage, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var msg CommandMessage
		if err := json.NewDecoder(bufio.NewReader(conn)).Decode(&msg); err != nil {
			return
		}
		got <- msg
		_ = json.NewEncoder(conn).Encode(IPCResponse{Status: "error", Error: "invalid command"})
	}()

	_, err = send(socket, CommandMessage{Topic: "CMD/volume", Payload: "150"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon error: invalid command")
	assert.Equal(t, CommandMessage{Topic: "CMD/volume", Payload: "150"}, <-got)
}
