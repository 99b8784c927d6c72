package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// mpdmqtt-watch follows the daemon's websocket state feed and prints every
// frame: the initial state, each batch of changed topics and connection
// changes.

type envelope struct {
	Type string          `json:"type"`
	Ts   string          `json:"ts"`
	Data json.RawMessage `json:"data"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:6680/ws", "mpdmqtt state feed URL")
		raw   = flag.Bool("raw", false, "Print frames as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	var writeMu sync.Mutex

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	// The daemon pings us; answering keeps the read deadline moving too.
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	go func() {
		for range pingTicker.C {
			writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			writeMu.Unlock()
			if err != nil {
				log.Printf("ping failed: %v", err)
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			if *raw {
				fmt.Println(string(message))
				continue
			}
			fmt.Print(formatFrame(message))
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// formatFrame renders one feed frame for the terminal.
func formatFrame(message []byte) string {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		return fmt.Sprintf("[TEXT] %s\n", message)
	}

	switch env.Type {
	case "state_changed":
		var data struct {
			Changed map[string]string `json:"changed"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			break
		}
		topics := make([]string, 0, len(data.Changed))
		for topic := range data.Changed {
			topics = append(topics, topic)
		}
		sort.Strings(topics)

		out := ""
		for _, topic := range topics {
			out += fmt.Sprintf("[%s] %s = %q\n", env.Ts, topic, data.Changed[topic])
		}
		return out

	case "connection":
		var data struct {
			Role      string `json:"role"`
			Connected bool   `json:"connected"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			break
		}
		status := "DOWN"
		if data.Connected {
			status = "UP"
		}
		return fmt.Sprintf("[%s] %s %s\n", env.Ts, data.Role, status)
	}

	var pretty any
	if err := json.Unmarshal(env.Data, &pretty); err != nil {
		return fmt.Sprintf("[%s] %s\n", env.Type, message)
	}
	body, _ := json.MarshalIndent(pretty, "", "  ")
	return fmt.Sprintf("[%s]\n%s\n", env.Type, body)
}
