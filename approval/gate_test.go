package approval

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/stageflow/types"
)

func staticChannel(d Decision) Channel {
	return ChannelFunc(func(ctx context.Context, req Request) (Decision, error) {
		return d, nil
	})
}

// blockingChannel never answers; it waits for ctx.
func blockingChannel() Channel {
	return ChannelFunc(func(ctx context.Context, req Request) (Decision, error) {
		<-ctx.Done()
		return Decision{}, ctx.Err()
	})
}

func TestGate_Approve(t *testing.T) {
	gate := NewGate(staticChannel(Decision{Action: ActionApprove}), Config{}, nil)

	decision, err := gate.Await(context.Background(), Request{StageID: "draft"})
	require.NoError(t, err)
	assert.Equal(t, ActionApprove, decision.Action)
}

func TestGate_RejectCarriesFeedback(t *testing.T) {
	gate := NewGate(staticChannel(Decision{
		Action:   ActionReject,
		Feedback: "too vague, add numbers",
	}), Config{}, nil)

	decision, err := gate.Await(context.Background(), Request{StageID: "draft"})
	require.NoError(t, err)
	assert.Equal(t, ActionReject, decision.Action)
	assert.Equal(t, "too vague, add numbers", decision.Feedback)
}

func TestGate_ViewLoopsUntilDecision(t *testing.T) {
	var calls int32
	channel := ChannelFunc(func(ctx context.Context, req Request) (Decision, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return Decision{Action: ActionView}, nil
		}
		return Decision{Action: ActionApprove}, nil
	})
	gate := NewGate(channel, Config{}, nil)

	decision, err := gate.Await(context.Background(), Request{StageID: "draft"})
	require.NoError(t, err)
	assert.Equal(t, ActionApprove, decision.Action)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestGate_TimeoutApprove(t *testing.T) {
	gate := NewGate(blockingChannel(), Config{
		Timeout:   10 * time.Millisecond,
		OnTimeout: TimeoutApprove,
	}, nil)

	decision, err := gate.Await(context.Background(), Request{StageID: "draft"})
	require.NoError(t, err)
	assert.Equal(t, ActionApprove, decision.Action)
}

func TestGate_TimeoutReject(t *testing.T) {
	gate := NewGate(blockingChannel(), Config{
		Timeout:   10 * time.Millisecond,
		OnTimeout: TimeoutReject,
	}, nil)

	decision, err := gate.Await(context.Background(), Request{StageID: "draft"})
	require.NoError(t, err)
	assert.Equal(t, ActionReject, decision.Action)
	assert.Empty(t, decision.Feedback)
}

func TestGate_TimeoutFail(t *testing.T) {
	gate := NewGate(blockingChannel(), Config{
		Timeout:   10 * time.Millisecond,
		OnTimeout: TimeoutFail,
	}, nil)

	_, err := gate.Await(context.Background(), Request{StageID: "draft"})
	require.Error(t, err)
	assert.Equal(t, types.ErrApprovalTimeout, types.GetErrorCode(err))
}

func TestGate_TimeoutWithoutPolicyIsConfigurationError(t *testing.T) {
	gate := NewGate(blockingChannel(), Config{
		Timeout: 10 * time.Millisecond,
	}, nil)

	_, err := gate.Await(context.Background(), Request{StageID: "draft"})
	require.Error(t, err)
	assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))
}

func TestGate_WorkflowCancelBeatsTimeoutPolicy(t *testing.T) {
	gate := NewGate(blockingChannel(), Config{
		Timeout:   time.Hour,
		OnTimeout: TimeoutApprove,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := gate.Await(ctx, Request{StageID: "draft"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGate_ChannelErrorPropagates(t *testing.T) {
	channel := ChannelFunc(func(ctx context.Context, req Request) (Decision, error) {
		return Decision{}, errors.New("channel broken")
	})
	gate := NewGate(channel, Config{}, nil)

	_, err := gate.Await(context.Background(), Request{StageID: "draft"})
	assert.ErrorContains(t, err, "channel broken")
}

func TestGate_UnknownActionIsInternalError(t *testing.T) {
	gate := NewGate(staticChannel(Decision{Action: Action("maybe")}), Config{}, nil)

	_, err := gate.Await(context.Background(), Request{StageID: "draft"})
	require.Error(t, err)
	assert.Equal(t, types.ErrInternal, types.GetErrorCode(err))
}

func TestConsoleChannel_ParsesDecisions(t *testing.T) {
	tests := []struct {
		line     string
		action   Action
		feedback string
	}{
		{"approve\n", ActionApprove, ""},
		{"a\n", ActionApprove, ""},
		{"reject needs citations\n", ActionReject, "needs citations"},
		{"r shorter\n", ActionReject, "shorter"},
		{"view\n", ActionView, ""},
		{"nonsense\n", ActionView, ""},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.line), func(t *testing.T) {
			var out strings.Builder
			channel := NewConsoleChannel(strings.NewReader(tt.line), &out)

			decision, err := channel.Decide(context.Background(), Request{
				StageID: "draft",
				Output:  "draft text",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.action, decision.Action)
			assert.Equal(t, tt.feedback, decision.Feedback)
			assert.Contains(t, out.String(), "draft")
		})
	}
}

func TestConsoleChannel_ViewShowsFullOutput(t *testing.T) {
	// Well past the 400-rune preview, with a marker only the full
	// content contains.
	output := strings.Repeat("x", 450) + " END-OF-DRAFT"

	var out strings.Builder
	channel := NewConsoleChannel(strings.NewReader("view\napprove\n"), &out)
	gate := NewGate(channel, Config{}, nil)

	decision, err := gate.Await(context.Background(), Request{
		StageID: "draft",
		Output:  output,
	})
	require.NoError(t, err)
	assert.Equal(t, ActionApprove, decision.Action)
	assert.Contains(t, out.String(), "END-OF-DRAFT")
}

func TestConsoleChannel_PreviewKeepsRunesIntact(t *testing.T) {
	var out strings.Builder
	channel := NewConsoleChannel(strings.NewReader("approve\n"), &out)

	_, err := channel.Decide(context.Background(), Request{
		StageID: "draft",
		Output:  strings.Repeat("界", 500),
	})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(out.String()))
	assert.Contains(t, out.String(), "…")
}
