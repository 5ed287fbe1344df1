package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/harun/biblechat/internal/observability"
	"github.com/harun/biblechat/internal/tracing"
	"github.com/harun/biblechat/pkg/agent"
	"github.com/harun/biblechat/pkg/commandqueue"
	"github.com/harun/biblechat/pkg/prompt"
	"github.com/harun/biblechat/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// FallbackMessage is returned in place of an answer when the provider fails softly.
const FallbackMessage = "Desculpe, não consegui processar sua pergunta no momento."

const DefaultUpstreamTimeout = 30 * time.Second

// ErrTurnFailed wraps every hard failure returned by Ask.
var ErrTurnFailed = errors.New("turn failed")

// Answer is the outcome of one turn.
type Answer struct {
	Text      string
	SessionID string
	Fallback  bool
}

// Orchestrator coordinates the session store, the system prompt and the provider
type Orchestrator struct {
	store    session.Store
	provider agent.LLMProvider
	prompts  prompt.Source
	queue    *commandqueue.CommandQueue
	ownQueue bool

	model   string
	timeout time.Duration
	newID   func() string
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithQueue shares an existing command queue. Without it the orchestrator owns one.
func WithQueue(q *commandqueue.CommandQueue) Option {
	return func(o *Orchestrator) {
		o.queue = q
	}
}

// WithModel overrides the provider's default model
func WithModel(model string) Option {
	return func(o *Orchestrator) {
		o.model = model
	}
}

// WithUpstreamTimeout bounds each provider call
func WithUpstreamTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.timeout = d
	}
}

// WithIDGenerator replaces uuid.NewString for minted session ids
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		o.newID = fn
	}
}

// New creates a new Orchestrator instance
func New(store session.Store, provider agent.LLMProvider, prompts prompt.Source, opts ...Option) *Orchestrator {
	observability.EnsureRegistered()

	o := &Orchestrator{
		store:    store,
		provider: provider,
		prompts:  prompts,
		timeout:  DefaultUpstreamTimeout,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.queue == nil {
		o.queue = commandqueue.New()
		o.ownQueue = true
	}
	if o.timeout <= 0 {
		o.timeout = DefaultUpstreamTimeout
	}
	return o
}

// Close releases the command queue if the orchestrator created it
func (o *Orchestrator) Close() error {
	if o.ownQueue {
		return o.queue.Close()
	}
	return nil
}

func lane(sessionID string) string {
	return "session:" + sessionID
}

// Ask runs one turn for sessionID, minting a new id when it is empty. The
// returned Answer always carries the session id, including on error.
func (o *Orchestrator) Ask(ctx context.Context, sessionID, question string) (Answer, error) {
	start := time.Now()

	minted := sessionID == ""
	if minted {
		sessionID = o.newID()
	}

	ctx = tracing.WithSessionKey(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"biblechat.orchestrator",
		"orchestrator.ask",
		attribute.String("session_id", sessionID),
		attribute.Bool("session_minted", minted),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("session_id", sessionID).Logger()
	if minted {
		observability.RecordSessionAudit(ctx, "session_minted", sessionID, nil)
		logger.Debug().Msg("Minted session id")
	}

	res, err := o.queue.Enqueue(ctx, lane(sessionID), func(ctx context.Context) (interface{}, error) {
		return o.turn(ctx, logger, sessionID, question)
	})
	if err != nil {
		observability.RecordTurn(observability.OutcomeHardFailure, time.Since(start))
		tracing.RecordError(span, err)
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Turn failed")
		return Answer{SessionID: sessionID}, fmt.Errorf("%w: %w", ErrTurnFailed, err)
	}

	answer := res.(Answer)
	outcome := observability.OutcomeSuccess
	if answer.Fallback {
		outcome = observability.OutcomeSoftFailure
	}
	observability.RecordTurn(outcome, time.Since(start))
	span.SetAttributes(attribute.String("outcome", outcome))

	logger.Info().
		Str("outcome", outcome).
		Dur("duration", time.Since(start)).
		Msg("Turn completed")

	return answer, nil
}

// turn runs inside the session's lane.
func (o *Orchestrator) turn(ctx context.Context, logger zerolog.Logger, sessionID, question string) (Answer, error) {
	release := o.store.Hold(sessionID)
	defer release()

	o.store.AppendTurn(sessionID, session.UserTurn(question))
	history := o.store.GetHistory(sessionID)

	system, err := o.prompts.Load(ctx)
	if err != nil {
		return Answer{}, fmt.Errorf("load system prompt: %w", err)
	}

	request := agent.LLMRequest{
		Model:        o.model,
		Messages:     toMessages(history),
		SystemPrompt: system,
	}

	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	logger.Debug().
		Int("history", len(history)).
		Int("estimated_tokens", agent.EstimateTokens(request.Messages)).
		Msg("Calling provider")
	resp, err := o.provider.Call(callCtx, request)
	if err != nil {
		if o.isSoft(ctx, err) {
			logger.Warn().Err(err).Msg("Provider failed, answering with fallback")
			return Answer{Text: FallbackMessage, SessionID: sessionID, Fallback: true}, nil
		}
		return Answer{}, fmt.Errorf("%s call: %w", o.provider.Provider(), err)
	}

	if resp.Content != "" {
		o.store.AppendTurn(sessionID, session.ModelTurn(resp.Content))
	} else {
		logger.Warn().Str("finish_reason", resp.FinishReason).Msg("Provider returned no text")
	}

	return Answer{Text: resp.Content, SessionID: sessionID}, nil
}

// isSoft reports non-2xx replies and our own upstream deadline. A deadline
// or cancellation inherited from the caller stays hard.
func (o *Orchestrator) isSoft(parent context.Context, err error) bool {
	if agent.IsStatusError(err) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil
}

// Reset drops a session after any in-flight turn on it has finished
func (o *Orchestrator) Reset(ctx context.Context, sessionID string) (bool, error) {
	res, err := o.queue.Enqueue(ctx, lane(sessionID), func(ctx context.Context) (interface{}, error) {
		return o.store.Delete(sessionID), nil
	})
	if err != nil {
		return false, err
	}
	existed := res.(bool)
	if existed {
		observability.RecordSessionAudit(ctx, "session_deleted", sessionID, nil)
	}
	return existed, nil
}

// History returns the session transcript
func (o *Orchestrator) History(sessionID string) []session.Turn {
	return o.store.GetHistory(sessionID)
}

// Sessions returns the number of live sessions
func (o *Orchestrator) Sessions() int {
	return o.store.Len()
}

func toMessages(history []session.Turn) []agent.AgentMessage {
	messages := make([]agent.AgentMessage, len(history))
	for i, turn := range history {
		role := agent.RoleUser
		if turn.Role == session.RoleModel {
			role = agent.RoleModel
		}
		messages[i] = agent.AgentMessage{Role: role, Content: turn.Text}
	}
	return messages
}
