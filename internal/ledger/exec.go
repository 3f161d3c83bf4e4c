package ledger

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ExecRecorder runs an external program once per record with the arguments
// logId, players, room, finalState, matchType. Its trimmed stdout is the
// ledger reference.
type ExecRecorder struct {
	name string
	args []string
}

// NewExecRecorder parses command, a program followed by fixed leading arguments.
func NewExecRecorder(command string) (*ExecRecorder, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("ledger command must not be empty")
	}
	return &ExecRecorder{name: fields[0], args: fields[1:]}, nil
}

// RecordMatch implements Recorder.
func (r *ExecRecorder) RecordMatch(ctx context.Context, rec Record) (string, error) {
	args := append(append([]string{}, r.args...),
		strconv.FormatInt(rec.LogID, 10),
		string(rec.Players),
		string(rec.Room),
		string(rec.FinalState),
		rec.MatchType,
	)
	cmd := exec.CommandContext(ctx, r.name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ledger command: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
