// Command replay serves a recorded progress-event log through the live
// streaming endpoints. Point a client at it to develop against a
// finished run without re-running research.
//
// The input is one ProgressEvent JSON object per line, for example the
// data payloads captured from an SSE stream. Events are published in
// file order with a configurable delay so clients see a paced feed, and
// the full backlog stays available for replay from any sequence number.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/meridianlabs-ai/atlas/internal/httpapi"
	"github.com/meridianlabs-ai/atlas/internal/research"
	"github.com/meridianlabs-ai/atlas/internal/streaming"
)

func main() {
	eventsPath := flag.String("events", "", "path to a JSONL file of progress events")
	port := flag.Int("port", 8089, "port to serve on")
	delay := flag.Duration("delay", 200*time.Millisecond, "pause between published events")
	flag.Parse()

	if *eventsPath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay -events /path/to/run.jsonl [-port 8089] [-delay 200ms]")
		os.Exit(2)
	}

	events, err := loadEvents(*eventsPath)
	if err != nil {
		log.Fatalf("Failed to load events: %v", err)
	}
	if len(events) == 0 {
		log.Fatalf("No events found in %s", *eventsPath)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	manager := streaming.NewManager(logger, streaming.WithRetention(24*time.Hour))

	mux := http.NewServeMux()
	httpapi.NewServer(readOnlyEngine{}, manager, logger).RegisterRoutes(mux)

	go publish(manager, events, *delay, logger)

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("Replay server listening",
		zap.String("addr", addr),
		zap.String("run_id", events[0].RunID),
		zap.Int("events", len(events)))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("Replay server failed: %v", err)
	}
}

func loadEvents(path string) ([]research.ProgressEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []research.ProgressEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var evt research.ProgressEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, evt)
	}
	return events, scanner.Err()
}

func publish(manager *streaming.Manager, events []research.ProgressEvent, delay time.Duration, logger *zap.Logger) {
	runID := events[0].RunID
	for _, evt := range events {
		manager.Publish(evt)
		time.Sleep(delay)
	}
	manager.CloseRun(runID)
	logger.Info("Replay finished", zap.String("run_id", runID))
}

// readOnlyEngine rejects submissions; the replay server only streams.
type readOnlyEngine struct{}

func (readOnlyEngine) Submit(research.Request) (string, error) {
	return "", errors.New("replay server does not accept submissions")
}

func (readOnlyEngine) Wait(context.Context, string) (*research.Report, error) {
	return nil, errors.New("replay server does not run research")
}

func (readOnlyEngine) Cancel(string) bool { return false }

func (readOnlyEngine) Snapshot(string) (research.RunState, bool) {
	return research.RunState{}, false
}
