package main

import (
	"flag"
	"fmt"
	"os"
	"sort"

	"pongarena/broker/tools/replay_catalog"
)

func main() {
	root := flag.String("dir", ".", "directory containing replay bundles")
	matchID := flag.String("match", "", "only list bundles for this match id")
	jsonFlag := flag.Bool("json", false, "emit JSON instead of human-readable output")
	flag.Parse()

	entries, err := replaycatalog.List(*root)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	entries = replaycatalog.Filter(entries, *matchID)

	if *jsonFlag {
		payload, err := replaycatalog.MarshalEntries(entries)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(string(payload))
		return
	}

	for _, entry := range entries {
		h := entry.Header
		fmt.Printf("%s type=%d frames=%d events=%d closed=%s\n", h.MatchID, h.MatchType, h.Frames, h.Events, h.ClosedAt.Format("2006-01-02T15:04:05Z07:00"))
		if len(h.Params) > 0 {
			keys := make([]string, 0, len(h.Params))
			for key := range h.Params {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Printf("    %s: %.3f\n", key, h.Params[key])
			}
		}
		fmt.Printf("  manifest: %s\n", entry.ManifestPath)
	}
}
