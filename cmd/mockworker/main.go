// mockworker imitates the worker CLI for tests. It accepts the same argv
// the runner builds and emits a scripted NDJSON event stream on stdout.
// The scenario is selected by markers inside the prompt text:
//
//	scenario=question    emit a trailing question, then idle
//	scenario=exit2       emit one step_start, then exit with code 2
//	scenario=hang        emit nothing and sleep
//	scenario=silent      emit step_start, then exit 0 without completing
//	(default)            step_start, text "Done.", step_finish(stop)
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/taskmux/taskmux/internal/ndjson"
	"github.com/taskmux/taskmux/internal/protocol"
)

const defaultSession = "ses_mock0001"

type invocation struct {
	prompt    string
	sessionID string
	continued bool
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("mockworker 1.0.0")
		return
	}

	inv := parseArgs(os.Args[1:])

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	enc := ndjson.NewEncoder(os.Stdout, logger)

	switch {
	case strings.Contains(inv.prompt, "scenario=question"):
		emit(enc, event(protocol.EventStepStart, inv.sessionID, stepStartPart()))
		emit(enc, event(protocol.EventText, inv.sessionID, textPart("Shall I proceed?")))
		time.Sleep(60 * time.Second)

	case strings.Contains(inv.prompt, "scenario=exit2"):
		emit(enc, event(protocol.EventStepStart, inv.sessionID, stepStartPart()))
		fmt.Fprintln(os.Stderr, "mockworker: simulated failure")
		os.Exit(2)

	case strings.Contains(inv.prompt, "scenario=hang"):
		time.Sleep(120 * time.Second)

	case strings.Contains(inv.prompt, "scenario=silent"):
		emit(enc, event(protocol.EventStepStart, inv.sessionID, stepStartPart()))

	default:
		text := "Done."
		if inv.continued {
			text = "Continued."
		}
		emit(enc, event(protocol.EventStepStart, inv.sessionID, stepStartPart()))
		emit(enc, event(protocol.EventText, inv.sessionID, textPart(text)))
		emit(enc, event(protocol.EventStepFinish, inv.sessionID, finishPart("stop")))
	}
}

// parseArgs understands both argv shapes the runner produces:
//
//	--model m --output-format json [--agent a] <prompt>
//	run --session s --output-format json <response>
func parseArgs(args []string) invocation {
	inv := invocation{sessionID: defaultSession}

	if len(args) > 0 && args[0] == "run" {
		inv.continued = true
		args = args[1:]
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--model", "--output-format", "--agent":
			i++
		case "--session":
			i++
			if i < len(args) {
				inv.sessionID = args[i]
			}
		default:
			inv.prompt = args[i]
		}
	}
	return inv
}

func emit(enc *ndjson.Encoder, ev *protocol.Event) {
	if err := enc.Encode(ev); err != nil {
		fmt.Fprintf(os.Stderr, "mockworker: encode failed: %v\n", err)
		os.Exit(1)
	}
}

func event(eventType protocol.EventType, sessionID string, part any) *protocol.Event {
	raw, err := json.Marshal(part)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mockworker: marshal failed: %v\n", err)
		os.Exit(1)
	}
	return &protocol.Event{
		Type:      eventType,
		Timestamp: float64(time.Now().UnixMilli()),
		SessionID: sessionID,
		Part:      raw,
	}
}

func stepStartPart() protocol.StepStartPart {
	return protocol.StepStartPart{ID: "prt_1", Snapshot: "snap"}
}

func textPart(text string) protocol.TextPart {
	now := time.Now().UnixMilli()
	return protocol.TextPart{ID: "prt_2", Text: text, Time: protocol.TextTime{Start: now, End: now}}
}

func finishPart(reason string) protocol.StepFinishPart {
	return protocol.StepFinishPart{
		ID:     "prt_3",
		Reason: reason,
		Tokens: protocol.TokenUsage{Input: 10, Output: 5},
		Cost:   0.001,
	}
}
