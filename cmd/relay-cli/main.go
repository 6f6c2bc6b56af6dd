package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crabstack.local/projects/crab-relay/internal/stream"
	"crabstack.local/projects/crab-relay/internal/streamclient"
)

// relay-cli tails a session's event stream to stdout, riding out disconnects
// with the replay cursor so nothing is missed.
func main() {
	logger := log.New(os.Stderr, "relay-cli ", log.Ldate|log.Ltime|log.LUTC)
	cfg, err := configFromFlags(os.Args[1:])
	if err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	terminal := make(chan streamclient.State, 1)
	cfg.OnEvent = func(ev stream.StreamEvent) {
		fmt.Printf("%s event_id=%d execution_id=%s type=%s data=%s\n",
			ev.Timestamp.UTC().Format(time.RFC3339), ev.EventID, ev.ExecutionID, ev.EventType, string(ev.Data))
	}
	cfg.OnState = func(state streamclient.State) {
		logger.Printf("state=%s", streamclient.StateName(state))
		if errored, ok := state.(streamclient.Errored); ok {
			select {
			case terminal <- errored:
			default:
			}
		}
	}
	cfg.OnError = func(err error) {
		logger.Printf("stream error: %v", err)
	}

	client, err := streamclient.New(cfg)
	if err != nil {
		logger.Fatalf("invalid config: %v", err)
	}
	client.Connect()

	select {
	case <-ctx.Done():
		client.Disconnect()
	case state := <-terminal:
		client.Disconnect()
		if errored, ok := state.(streamclient.Errored); ok {
			logger.Fatalf("stream failed: %s", errored.Message)
		}
	}
}

func configFromFlags(args []string) (streamclient.Config, error) {
	fs := flag.NewFlagSet("relay-cli", flag.ContinueOnError)
	streamURL := fs.String("url", envOrDefault("CRAB_RELAY_CLI_URL", "ws://127.0.0.1:8080/stream"), "relay stream websocket url")
	sessionID := fs.String("session-id", strings.TrimSpace(os.Getenv("CRAB_RELAY_CLI_SESSION_ID")), "session id to tail")
	ticket := fs.String("ticket", strings.TrimSpace(os.Getenv("CRAB_RELAY_CLI_TICKET")), "stream attach ticket")
	fromID := fs.Int64("from-id", 0, "replay events after this event id (0 replays everything)")
	executionIDs := fs.String("execution-ids", "", "comma separated execution id filter")
	eventTypes := fs.String("event-types", "", "comma separated event type filter")
	maxAttempts := fs.Int("max-reconnect-attempts", 10, "reconnect attempts before giving up")
	if err := fs.Parse(args); err != nil {
		return streamclient.Config{}, err
	}

	cfg := streamclient.Config{
		URL:                  strings.TrimSpace(*streamURL),
		SessionID:            strings.TrimSpace(*sessionID),
		Ticket:               strings.TrimSpace(*ticket),
		FromID:               *fromID,
		ExecutionIDs:         splitCSV(*executionIDs),
		EventTypes:           splitCSV(*eventTypes),
		MaxReconnectAttempts: *maxAttempts,
	}
	return cfg, cfg.Validate()
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if value := strings.TrimSpace(part); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func envOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}
