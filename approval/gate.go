// Package approval implements the blocking human-approval checkpoint:
// after a stage succeeds, the gate surfaces its output to an external
// reviewer and resumes the stage's continuation only on a decision or a
// configured timeout policy.
package approval

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/stageflow/types"
)

// Action is the reviewer's choice for a pending stage result.
type Action string

const (
	// ActionApprove accepts the stage output as-is.
	ActionApprove Action = "approve"
	// ActionReject sends the stage back for regeneration with feedback.
	ActionReject Action = "reject"
	// ActionView re-requests a decision after showing the full content;
	// it never advances the gate's state.
	ActionView Action = "view"
)

// Decision is the reviewer's response to a Request.
type Decision struct {
	Action   Action `json:"action"`
	Feedback string `json:"feedback,omitempty"`
}

// Request carries the stage output presented for review.
type Request struct {
	StageID       string            `json:"stage_id"`
	AgentID       string            `json:"agent_id"`
	Output        string            `json:"output"`
	Attempts      int               `json:"attempts"`
	Regenerations int               `json:"regenerations"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Channel produces decisions. Implementations may be interactive (a
// console prompt) or automated (test harnesses, policy engines); they must
// honor ctx cancellation.
type Channel interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// ChannelFunc adapts a function to the Channel interface.
type ChannelFunc func(ctx context.Context, req Request) (Decision, error)

// Decide implements Channel.
func (f ChannelFunc) Decide(ctx context.Context, req Request) (Decision, error) {
	return f(ctx, req)
}

// TimeoutPolicy resolves a missing decision. It must be configured
// explicitly; the gate never guesses.
type TimeoutPolicy string

const (
	// TimeoutApprove treats a timeout as an approval.
	TimeoutApprove TimeoutPolicy = "approve"
	// TimeoutReject treats a timeout as a rejection with empty feedback.
	TimeoutReject TimeoutPolicy = "reject"
	// TimeoutFail fails the stage with an APPROVAL_TIMEOUT error.
	TimeoutFail TimeoutPolicy = "fail"
)

// Config configures the gate.
type Config struct {
	// Timeout bounds each decision wait. 0 means wait indefinitely
	// (until the workflow context expires).
	Timeout time.Duration

	// OnTimeout resolves an expired wait. Required when Timeout > 0.
	OnTimeout TimeoutPolicy
}

// Gate suspends a stage's continuation until a decision arrives.
type Gate struct {
	channel Channel
	config  Config
	logger  *zap.Logger
}

// NewGate creates an approval gate backed by the given channel.
func NewGate(channel Channel, config Config, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		channel: channel,
		config:  config,
		logger:  logger.With(zap.String("component", "approval_gate")),
	}
}

// Await blocks until the channel yields an Approve or Reject decision, the
// configured timeout fires, or ctx is canceled. View decisions loop:
// the request is re-presented and the wait restarts. Only the calling
// stage's goroutine is suspended.
func (g *Gate) Await(ctx context.Context, req Request) (Decision, error) {
	for {
		decision, err := g.decideOnce(ctx, req)
		if err != nil {
			return Decision{}, err
		}

		switch decision.Action {
		case ActionView:
			g.logger.Debug("reviewer requested full content",
				zap.String("stage_id", req.StageID),
			)
			continue
		case ActionApprove, ActionReject:
			g.logger.Info("approval decision received",
				zap.String("stage_id", req.StageID),
				zap.String("action", string(decision.Action)),
			)
			return decision, nil
		default:
			return Decision{}, types.NewError(types.ErrInternal,
				"approval channel returned unknown action "+string(decision.Action)).
				WithStage(req.StageID)
		}
	}
}

type decisionResult struct {
	decision Decision
	err      error
}

func (g *Gate) decideOnce(ctx context.Context, req Request) (Decision, error) {
	waitCtx := ctx
	var cancel context.CancelFunc
	if g.config.Timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, g.config.Timeout)
		defer cancel()
	}

	resultCh := make(chan decisionResult, 1)
	go func() {
		decision, err := g.channel.Decide(waitCtx, req)
		resultCh <- decisionResult{decision: decision, err: err}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			// A wait expiring inside the channel is still a timeout.
			if waitCtx.Err() != nil && ctx.Err() == nil {
				return g.resolveTimeout(req)
			}
			return Decision{}, res.err
		}
		return res.decision, nil

	case <-waitCtx.Done():
		if ctx.Err() != nil {
			// The workflow itself was canceled, not the decision wait.
			return Decision{}, ctx.Err()
		}
		return g.resolveTimeout(req)
	}
}

func (g *Gate) resolveTimeout(req Request) (Decision, error) {
	g.logger.Warn("approval wait timed out",
		zap.String("stage_id", req.StageID),
		zap.Duration("timeout", g.config.Timeout),
		zap.String("policy", string(g.config.OnTimeout)),
	)

	switch g.config.OnTimeout {
	case TimeoutApprove:
		return Decision{Action: ActionApprove}, nil
	case TimeoutReject:
		return Decision{Action: ActionReject}, nil
	case TimeoutFail:
		return Decision{}, types.NewError(types.ErrApprovalTimeout,
			"no approval decision within configured timeout").WithStage(req.StageID)
	default:
		return Decision{}, types.NewError(types.ErrConfiguration,
			"approval timeout fired but no timeout policy configured").WithStage(req.StageID)
	}
}
