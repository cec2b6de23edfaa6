package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// ConsoleChannel is an interactive Channel reading decisions line by line:
// "approve" / "a", "reject <feedback>" / "r <feedback>", "view" / "v".
// Used by the CLI for pipelines with approval stages.
type ConsoleChannel struct {
	in  *bufio.Reader
	out io.Writer
}

// NewConsoleChannel creates an interactive approval channel.
func NewConsoleChannel(in io.Reader, out io.Writer) *ConsoleChannel {
	return &ConsoleChannel{in: bufio.NewReader(in), out: out}
}

// Decide implements Channel. A view decision prints the untruncated
// output before returning, so the gate's re-request loop never leaves the
// reviewer with only the preview.
func (c *ConsoleChannel) Decide(ctx context.Context, req Request) (Decision, error) {
	fmt.Fprintf(c.out, "\n--- approval required: stage %s (agent %s, attempt %d, regeneration %d) ---\n%s\n",
		req.StageID, req.AgentID, req.Attempts, req.Regenerations, truncate(req.Output, 400))
	fmt.Fprint(c.out, "[a]pprove / [r]eject <feedback> / [v]iew: ")

	type lineResult struct {
		line string
		err  error
	}
	lineCh := make(chan lineResult, 1)
	go func() {
		line, err := c.in.ReadString('\n')
		lineCh <- lineResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case res := <-lineCh:
		if res.err != nil {
			return Decision{}, fmt.Errorf("read approval decision: %w", res.err)
		}
		decision := parseDecision(res.line)
		if decision.Action == ActionView {
			fmt.Fprintf(c.out, "\n--- full output: stage %s ---\n%s\n", req.StageID, req.Output)
		}
		return decision, nil
	}
}

// truncate shortens s to at most limit runes, never splitting a rune.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "…"
}

func parseDecision(line string) Decision {
	line = strings.TrimSpace(line)
	verb, rest, _ := strings.Cut(line, " ")

	switch strings.ToLower(verb) {
	case "approve", "a":
		return Decision{Action: ActionApprove}
	case "reject", "r":
		return Decision{Action: ActionReject, Feedback: strings.TrimSpace(rest)}
	default:
		// Anything unrecognized re-shows the content and asks again.
		return Decision{Action: ActionView}
	}
}
