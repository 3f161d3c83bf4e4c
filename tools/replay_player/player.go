package replayplayer

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"pongarena/broker/internal/protocol"
	"pongarena/broker/internal/replay"
)

// Summary condenses a bundle into what an operator wants at a glance.
type Summary struct {
	Manifest    replay.Manifest `json:"manifest"`
	Frames      int             `json:"frames"`
	EventCounts map[string]int  `json:"event_counts"`
	FinalPhase  string          `json:"final_phase,omitempty"`
	FinalScore  protocol.Score  `json:"final_score,omitempty"`
	Duration    time.Duration   `json:"duration_ns"`
}

// Summarise loads the bundle in dir and folds its timeline.
func Summarise(dir string) (Summary, []replay.TimelineEntry, error) {
	loader, err := replay.Load(dir)
	if err != nil {
		return Summary{}, nil, err
	}
	summary := Summary{Manifest: loader.Manifest(), EventCounts: make(map[string]int)}
	var first, last time.Time
	err = loader.Replay(func(entry replay.TimelineEntry) error {
		//1.- Track the capture span across both streams.
		if first.IsZero() || entry.CapturedAt.Before(first) {
			first = entry.CapturedAt
		}
		if entry.CapturedAt.After(last) {
			last = entry.CapturedAt
		}
		if entry.Type != replay.FrameType {
			summary.EventCounts[entry.Type]++
			return nil
		}
		//2.- The latest frame carries the score the match ended on.
		var state protocol.FullState
		if err := json.Unmarshal(entry.Payload, &state); err != nil {
			return fmt.Errorf("frame %d: %w", entry.Seq, err)
		}
		summary.Frames++
		summary.FinalPhase = state.Phase
		summary.FinalScore = state.Score
		return nil
	})
	if err != nil {
		return Summary{}, nil, err
	}
	if !first.IsZero() {
		summary.Duration = last.Sub(first)
	}
	return summary, loader.Entries(), nil
}
