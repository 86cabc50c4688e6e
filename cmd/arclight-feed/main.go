// arclight-feed reads JSON-lines telemetry readings from stdin (or a file)
// and posts them to an Arclight server in batches.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/arclight-systems/arclight/internal/capsule"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8440", "Arclight server base URL")
	token := flag.String("token", os.Getenv("ARCLIGHT_TOKEN"), "bearer token (or ARCLIGHT_TOKEN)")
	batchSize := flag.Int("batch", 50, "readings per request")
	input := flag.String("input", "-", "input file, - for stdin")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "Error: a bearer token is required (--token or ARCLIGHT_TOKEN)")
		os.Exit(1)
	}

	var in io.Reader = os.Stdin
	if *input != "-" {
		f, err := os.Open(*input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	client := &http.Client{Timeout: 10 * time.Second}
	var batch []capsule.Reading
	var sent, lines int

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines++

		var r capsule.Reading
		if err := json.Unmarshal(line, &r); err != nil {
			fmt.Fprintf(os.Stderr, "Skipping line %d: %v\n", lines, err)
			continue
		}
		if r.ObservedAt.IsZero() {
			r.ObservedAt = time.Now()
		}
		batch = append(batch, r)

		if len(batch) >= *batchSize {
			sent += flush(client, *serverURL, *token, batch)
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		os.Exit(1)
	}
	if len(batch) > 0 {
		sent += flush(client, *serverURL, *token, batch)
	}

	fmt.Printf("Sent %d readings\n", sent)
}

func flush(client *http.Client, serverURL, token string, readings []capsule.Reading) int {
	body, err := json.Marshal(map[string]any{"readings": readings})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding batch: %v\n", err)
		return 0
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+"/api/readings", bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building request: %v\n", err)
		return 0
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error posting batch: %v\n", err)
		return 0
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "Server rejected batch: %d %s\n", resp.StatusCode, bytes.TrimSpace(msg))
		return 0
	}

	var ack struct {
		Accepted int `json:"accepted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return len(readings)
	}
	return ack.Accepted
}
