// arclight-tail follows one or more capsule channels over the WebSocket
// gateway and prints each event. It tracks sequence cursors per channel and
// reconnects with them, so brief disconnects are repaired by replay.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

type envelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type clientMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type channelCursor struct {
	Name     string `json:"name"`
	AfterSeq uint64 `json:"after_seq"`
}

func main() {
	serverURL := flag.String("server", "http://localhost:8440", "Arclight server base URL")
	token := flag.String("token", os.Getenv("ARCLIGHT_TOKEN"), "bearer token (or ARCLIGHT_TOKEN)")
	channels := flag.String("channels", "activities", "comma-separated channel names")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: a bearer token is required (--token or ARCLIGHT_TOKEN)")
		os.Exit(1)
	}

	wsURL, err := toWSURL(*serverURL, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cursors := make(map[string]uint64)
	for _, name := range strings.Split(*channels, ",") {
		if name = strings.TrimSpace(name); name != "" {
			cursors[name] = 0
		}
	}
	if len(cursors) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no channels given")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nBye.")
		os.Exit(0)
	}()

	for {
		if err := tail(wsURL, cursors); err != nil {
			fmt.Fprintf(os.Stderr, "Connection lost: %v (reconnecting)\n", err)
		}
		time.Sleep(2 * time.Second)
	}
}

func toWSURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// tail runs one connection until it fails, updating cursors as events arrive.
func tail(wsURL string, cursors map[string]uint64) error {
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	var subs []channelCursor
	for name, after := range cursors {
		subs = append(subs, channelCursor{Name: name, AfterSeq: after})
	}
	if err := ws.WriteJSON(clientMessage{
		Type:    "subscribe",
		Payload: map[string]any{"channels": subs},
	}); err != nil {
		return err
	}

	for {
		var env envelope
		if err := ws.ReadJSON(&env); err != nil {
			return err
		}

		switch env.Type {
		case "hello", "pong", "action_ok":
			// control noise

		case "subscribed":
			fmt.Printf("--- following %s from seq %d\n", env.Channel, env.Seq)
			cursors[env.Channel] = env.Seq

		case "resync_required":
			fmt.Printf("--- %s: replay gap too large, jumping to seq %d; fetch current state via the API\n",
				env.Channel, env.Seq)
			cursors[env.Channel] = env.Seq

		case "error":
			fmt.Fprintf(os.Stderr, "Server error: %s\n", env.Payload)

		default:
			fmt.Printf("[%s #%d] %s %s\n", env.Channel, env.Seq, env.Type, compact(env.Payload))
			if env.Seq > cursors[env.Channel] {
				cursors[env.Channel] = env.Seq
			}
		}
	}
}

func compact(raw json.RawMessage) string {
	var c struct {
		ID       string `json:"capsule_id"`
		Title    string `json:"title"`
		State    string `json:"state"`
		Priority string `json:"priority"`
	}
	if err := json.Unmarshal(raw, &c); err != nil || c.ID == "" {
		return string(raw)
	}
	return fmt.Sprintf("%s [%s/%s] %s", c.ID, c.State, c.Priority, c.Title)
}
