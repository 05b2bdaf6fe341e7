package methods

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pronlab/stackbench/internal/stack"
)

// alignExternal shells out to a third-party alignment tool named by the
// command parameter (split on whitespace into argv). The tool receives the
// candidate segments as start\tend lines on stdin and must print the
// refined segments in the same TSV form on stdout. Failures are scoped to
// the current utterance: a non-zero exit or unparseable output becomes an
// ExternalToolError, and the context deadline bounds the process lifetime.
func alignExternal(ctx context.Context, cand stack.SegmentSet, _ stack.FeatureMatrix, _ stack.Reference, params stack.Params) (stack.AlignmentResult, error) {
	command := params.String("command", "")
	if command == "" {
		return stack.AlignmentResult{}, &stack.ConfigError{Detail: `alignment method "external" requires a command parameter`}
	}
	argv := strings.Fields(command)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(formatSegmentsTSV(cand))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// A killed process reports "signal: killed"; the deadline is the
		// interesting part, so surface the context error instead.
		if ctx.Err() != nil {
			return stack.AlignmentResult{}, ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return stack.AlignmentResult{}, &stack.ExternalToolError{Method: "external", Err: err}
	}

	segments, err := parseSegmentsTSV(&stdout)
	if err != nil {
		return stack.AlignmentResult{}, &stack.ExternalToolError{Method: "external", Err: err}
	}
	return stack.AlignmentResult{Segments: segments}, nil
}

func formatSegmentsTSV(segs stack.SegmentSet) string {
	var b strings.Builder
	for _, s := range segs {
		fmt.Fprintf(&b, "%.6f\t%.6f\n", s.Start, s.End)
	}
	return b.String()
}

// parseSegmentsTSV reads start\tend lines, skipping blanks and #-prefixed
// comments.
func parseSegmentsTSV(r io.Reader) (stack.SegmentSet, error) {
	var out stack.SegmentSet
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) != 2 {
			return nil, fmt.Errorf("line %d: want start\\tend, got %q", line, text)
		}
		start, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad start: %v", line, err)
		}
		end, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad end: %v", line, err)
		}
		out = append(out, stack.Segment{Start: start, End: end})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read tool output: %v", err)
	}
	return out, nil
}
