package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"pongarena/broker/tools/replay_player"
)

func main() {
	path := flag.String("path", "", "path to a replay bundle directory")
	timeline := flag.Bool("timeline", false, "include every timeline entry in the output")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "path flag is required")
		os.Exit(1)
	}

	summary, entries, err := replayplayer.Summarise(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(2)
	}

	payload := struct {
		Summary  replayplayer.Summary `json:"summary"`
		Timeline any                  `json:"timeline,omitempty"`
	}{Summary: summary}
	if *timeline {
		payload.Timeline = entries
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		fmt.Fprintln(os.Stderr, "encode error:", err)
		os.Exit(3)
	}
}
