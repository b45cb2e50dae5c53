// Package gemini is the public facade tying every internal component
// together: auth resolution, rate-limited unary and streaming calls,
// auto tool-calling, chat history, and Live Sessions.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nshkrdotcom/gemini-go/apierror"
	"github.com/nshkrdotcom/gemini-go/auth"
	"github.com/nshkrdotcom/gemini-go/config"
	"github.com/nshkrdotcom/gemini-go/internal/telemetry"
	"github.com/nshkrdotcom/gemini-go/live"
	"github.com/nshkrdotcom/gemini-go/ratelimit"
	"github.com/nshkrdotcom/gemini-go/retry"
	"github.com/nshkrdotcom/gemini-go/sse"
	"github.com/nshkrdotcom/gemini-go/streaming"
	"github.com/nshkrdotcom/gemini-go/tokencount"
	"github.com/nshkrdotcom/gemini-go/tools"
	"github.com/nshkrdotcom/gemini-go/transport"
	"github.com/nshkrdotcom/gemini-go/types"
)

// Client is the top-level entry point. Construct one with New and reuse
// it for the process lifetime; every call is safe for concurrent use.
type Client struct {
	authCoord *auth.Coordinator
	transport *transport.Client
	rateLimit *ratelimit.Manager
	streaming *streaming.Manager

	cfg         *config.Config
	metrics     *telemetry.Metrics
	tools       *tools.Registry
	logger      *slog.Logger
	retryPolicy retry.Policy
}

// New builds a Client. static supplies the lowest-priority auth
// resolution tier (spec.md §4.C); every per-call Backend/APIKey/etc.
// field in a request's CallOptions takes priority over it.
func New(static auth.StaticConfig, opts ...Option) *Client {
	c := &Client{
		authCoord:   auth.NewCoordinator(static),
		transport:   transport.NewClient(),
		logger:      slog.Default().With("component", "gemini"),
		retryPolicy: retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cfg == nil {
		c.cfg = &config.Config{}
	}
	if c.rateLimit == nil {
		c.rateLimit = ratelimit.NewManager(c.cfg.Resolve())
	}
	if c.streaming == nil {
		c.streaming = streaming.NewManager(c.cfg.MaxStreams)
	}
	if c.tools == nil {
		c.tools = tools.NewRegistry()
	}
	c.tools.OnExecute = c.metrics.RecordToolExecution
	return c
}

// Request is the shared shape for a unary or streaming generateContent
// call.
type Request struct {
	Model             string
	Contents          []types.Content
	Tools             []types.Tool
	SystemInstruction *types.Content
	GenerationConfig  *types.GenerationConfig
	CallOptions       auth.CallOptions
	NonBlocking       bool
}

func backendLabel(strategy auth.Strategy) string {
	if _, ok := strategy.(auth.ApiKeyStrategy); ok {
		return string(auth.BackendGeminiAPI)
	}
	return string(auth.BackendVertex)
}

func (c *Client) resolve(ctx context.Context, req Request) (string, auth.Strategy, auth.Credentials, error) {
	model, err := auth.NormalizeModel(req.Model)
	if err != nil {
		return "", nil, auth.Credentials{}, err
	}
	strategy, creds, err := c.authCoord.Coordinate(ctx, req.CallOptions)
	if err != nil {
		return "", nil, auth.Credentials{}, err
	}
	return model, strategy, creds, nil
}

func (c *Client) requestBody(req Request) types.GenerateContentRequest {
	return types.GenerateContentRequest{
		Contents:          req.Contents,
		Tools:             req.Tools,
		SystemInstruction: req.SystemInstruction,
		GenerationConfig:  req.GenerationConfig,
	}
}

// GenerateContent performs one rate-limited, retried, unary
// generateContent call (spec.md §4.G composing §4.H).
func (c *Client) GenerateContent(ctx context.Context, req Request) (*types.GenerateContentResponse, error) {
	model, strategy, creds, err := c.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	body := c.requestBody(req)
	estimated := tokencount.EstimateContents(req.Contents)

	start := time.Now()
	result, err := c.rateLimit.Execute(ctx, model, ratelimit.Opts{
		EstimatedInputTokens: estimated,
		NonBlocking:          req.NonBlocking,
	}, func(attempt int) (ratelimit.OpResult, *retry.Result, error) {
		return c.doGenerateContent(ctx, strategy, creds, model, body, attempt)
	})
	c.recordRequestMetrics(model, backendLabel(strategy), start, err)
	c.metrics.SyncPermits(model, c.rateLimit.Snapshot(model))

	if err != nil {
		c.recordRateLimitWait(model, err)
		return nil, err
	}
	resp, _ := result.Value.(*types.GenerateContentResponse)
	c.recordUsageMetrics(model, resp)
	return resp, nil
}

func (c *Client) doGenerateContent(ctx context.Context, strategy auth.Strategy, creds auth.Credentials, model string, body types.GenerateContentRequest, attempt int) (ratelimit.OpResult, *retry.Result, error) {
	raw, err := c.transport.Do(ctx, transport.Request{
		Strategy: strategy, Creds: creds, Model: model, Endpoint: "generateContent", Body: body,
	})
	if err != nil {
		return ratelimit.OpResult{}, c.classify(model, err, attempt), err
	}

	var resp types.GenerateContentResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ratelimit.OpResult{}, nil, apierror.New(apierror.KindMalformedResponse, "failed to decode generateContent response", err)
	}

	usage, hasUsage := int64(0), false
	if resp.UsageMetadata != nil {
		usage, hasUsage = int64(resp.UsageMetadata.TotalTokenCount), true
	}
	return ratelimit.OpResult{Value: &resp, UsageTokens: usage, HasUsage: hasUsage}, nil, nil
}

// classify turns a transport error into a *retry.Result, using the
// decoded error body when transport.Client produced an *apierror.Error
// and falling back to network-error classification otherwise.
func (c *Client) classify(model string, err error, attempt int) *retry.Result {
	var apiErr *apierror.Error
	var result retry.Result
	if errors.As(err, &apiErr) {
		result = retry.Classify(apiErr.HTTPStatus, apiErr.Raw, attempt, c.retryPolicy)
	} else {
		result = retry.ClassifyNetworkError(attempt, c.retryPolicy)
	}
	c.metrics.RecordRetry(model, classificationLabel(result.Classification))
	return &result
}

func classificationLabel(k retry.Classification) string {
	switch k {
	case retry.ClassificationOK:
		return "ok"
	case retry.ClassificationRetry:
		return "retry"
	default:
		return "fatal"
	}
}

func (c *Client) recordRequestMetrics(model, backend string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRequest(model, backend, status, time.Since(start).Seconds())
}

func (c *Client) recordUsageMetrics(model string, resp *types.GenerateContentResponse) {
	if resp == nil || resp.UsageMetadata == nil {
		return
	}
	u := resp.UsageMetadata
	c.metrics.RecordTokens(model, u.PromptTokenCount, u.CandidatesTokenCount, u.ThoughtsTokenCount, u.CachedContentTokenCount)
}

// recordRateLimitWait records a blocked/rejected rate-limit outcome
// against the Prometheus counter, labeled by the reason the Rate-Limit
// Manager's pipeline gave.
func (c *Client) recordRateLimitWait(model string, err error) {
	var apiErr *apierror.Error
	if !errors.As(err, &apiErr) {
		return
	}
	var reason string
	switch apiErr.Kind {
	case apierror.KindOverEmbargo:
		reason = "embargo"
	case apierror.KindOverBudget:
		reason = "budget"
	case apierror.KindOverCapacity, apierror.KindTimeout:
		reason = "capacity"
	default:
		return
	}
	c.metrics.RecordRateLimitWait(model, reason)
}

// usageSniffer relays a runner's events unchanged to a fresh Runner
// while recording the last usage_metadata it sees, so a streaming call's
// release can record real usage instead of only ever recording the
// pre-flight estimate (spec.md's streaming variant: "release_fn is
// invoked... carrying final usage"). Reading usage/hasUsage after the
// relayed runner reports its terminal event is safe without extra
// locking: each is set before the event carrying it is forwarded, and
// the channel send/receive pair establishes the happens-before edge.
type usageSniffer struct {
	runner   *sse.Runner
	usage    int64
	hasUsage bool
}

func newUsageSniffer(src *sse.Runner) *usageSniffer {
	s := &usageSniffer{runner: &sse.Runner{HTTP: src.HTTP, Out: make(chan sse.Event, 32)}}
	go func() {
		defer close(s.runner.Out)
		for ev := range src.Out {
			if ev.Kind == sse.EventData {
				if tokens, ok := extractUsage(ev.Data); ok {
					s.usage, s.hasUsage = tokens, true
				}
			}
			s.runner.Out <- ev
		}
	}()
	return s
}

func extractUsage(data json.RawMessage) (int64, bool) {
	var resp types.GenerateContentResponse
	if err := json.Unmarshal(data, &resp); err != nil || resp.UsageMetadata == nil {
		return 0, false
	}
	return int64(resp.UsageMetadata.TotalTokenCount), true
}

// StreamHandle identifies an open stream registered with the Streaming
// Manager, for Subscribe/Unsubscribe/Stop calls.
type StreamHandle string

// StreamGenerateContent opens a streaming generateContent call and
// returns a handle plus the primary subscriber channel (spec.md §4.I
// composing §4.J). Additional subscribers can attach via Subscribe.
func (c *Client) StreamGenerateContent(ctx context.Context, req Request) (StreamHandle, <-chan sse.Event, error) {
	model, strategy, creds, err := c.resolve(ctx, req)
	if err != nil {
		return "", nil, err
	}
	return c.openStream(ctx, model, strategy, creds, req)
}

// openStream holds the post-resolution half of StreamGenerateContent,
// split out so it can be exercised directly against a fake Strategy in
// tests without a real auth round trip.
func (c *Client) openStream(ctx context.Context, model string, strategy auth.Strategy, creds auth.Credentials, req Request) (StreamHandle, <-chan sse.Event, error) {
	body := c.requestBody(req)
	estimated := tokencount.EstimateContents(req.Contents)

	holderAlive := make(chan struct{})
	streamPermit, err := c.rateLimit.AcquireForStream(ctx, model, ratelimit.Opts{
		EstimatedInputTokens: estimated,
		NonBlocking:          req.NonBlocking,
	}, holderAlive)
	if err != nil {
		close(holderAlive)
		c.recordRateLimitWait(model, err)
		return "", nil, err
	}

	runner := sse.NewRunner(c.transport.HTTP)
	streamCtx, cancel := context.WithCancel(ctx)
	go runner.Run(streamCtx, sse.Request{
		Strategy: strategy, Creds: creds, Model: model, Endpoint: "streamGenerateContent", Body: body,
	})
	sniffer := newUsageSniffer(runner)

	streamID, err := c.streaming.Start(streamCtx, model, sniffer.runner, cancel, func() {
		streamPermit.Finish(sniffer.usage, sniffer.hasUsage)
		close(holderAlive)
		c.metrics.SyncPermits(model, c.rateLimit.Snapshot(model))
	})
	if err != nil {
		cancel()
		streamPermit.Finish(0, false)
		close(holderAlive)
		return "", nil, err
	}
	c.metrics.SetActiveStreams(len(c.streaming.List()))
	c.metrics.SyncPermits(model, c.rateLimit.Snapshot(model))

	ch, err := c.streaming.Subscribe(streamID, "primary")
	if err != nil {
		return "", nil, err
	}
	return StreamHandle(streamID), ch, nil
}

// Subscribe attaches an additional listener to an already-open stream.
func (c *Client) Subscribe(handle StreamHandle, subscriberID string) (<-chan sse.Event, error) {
	return c.streaming.Subscribe(string(handle), subscriberID)
}

// Unsubscribe detaches subscriberID from handle.
func (c *Client) Unsubscribe(handle StreamHandle, subscriberID string) {
	c.streaming.Unsubscribe(string(handle), subscriberID)
}

// StopStream cancels handle's underlying runner unconditionally.
func (c *Client) StopStream(handle StreamHandle) {
	c.streaming.Stop(string(handle))
}

// Tools exposes the client's tool registry for Register calls.
func (c *Client) Tools() *tools.Registry { return c.tools }

// GenerateContentWithTools drives the Tool Orchestrator (spec.md §4.K)
// over req, executing registered tools as the model requests them and
// returning the final stream's events.
func (c *Client) GenerateContentWithTools(ctx context.Context, req Request, turnsRemaining int, appendModel tools.AppendModelTurn, appendTool tools.AppendToolTurn) <-chan sse.Event {
	model, strategy, creds, err := c.resolve(ctx, req)
	if err != nil {
		out := make(chan sse.Event, 1)
		out <- sse.Event{Kind: sse.EventError, Err: err}
		close(out)
		return out
	}
	return c.openToolStream(ctx, model, strategy, creds, req, turnsRemaining, appendModel, appendTool)
}

// openToolStream holds the post-resolution half of
// GenerateContentWithTools, split out for direct testing against a fake
// Strategy.
func (c *Client) openToolStream(ctx context.Context, model string, strategy auth.Strategy, creds auth.Credentials, req Request, turnsRemaining int, appendModel tools.AppendModelTurn, appendTool tools.AppendToolTurn) <-chan sse.Event {
	estimated := tokencount.EstimateContents(req.Contents)
	holderAlive := make(chan struct{})
	streamPermit, err := c.rateLimit.AcquireForStream(ctx, model, ratelimit.Opts{
		EstimatedInputTokens: estimated,
		NonBlocking:          req.NonBlocking,
	}, holderAlive)
	if err != nil {
		close(holderAlive)
		c.recordRateLimitWait(model, err)
		out := make(chan sse.Event, 1)
		out <- sse.Event{Kind: sse.EventError, Err: err}
		close(out)
		return out
	}

	open := func(ctx context.Context, contents []types.Content) *sse.Runner {
		body := c.requestBody(req)
		body.Contents = contents
		runner := sse.NewRunner(c.transport.HTTP)
		go runner.Run(ctx, sse.Request{Strategy: strategy, Creds: creds, Model: model, Endpoint: "streamGenerateContent", Body: body})
		return runner
	}

	orchestrator := tools.NewOrchestrator(c.tools, open, appendModel, appendTool, turnsRemaining)
	go orchestrator.Run(ctx, req.Contents)
	c.metrics.SetActiveStreams(len(c.streaming.List()))
	c.metrics.SyncPermits(model, c.rateLimit.Snapshot(model))

	out := make(chan sse.Event, 4)
	go func() {
		defer close(out)
		var usage int64
		var hasUsage bool
		for ev := range orchestrator.Out {
			if ev.Kind == sse.EventData {
				if tokens, ok := extractUsage(ev.Data); ok {
					usage, hasUsage = tokens, true
				}
			}
			out <- ev
		}
		streamPermit.Finish(usage, hasUsage)
		close(holderAlive)
		c.metrics.SyncPermits(model, c.rateLimit.Snapshot(model))
	}()
	return out
}

// LiveSession opens a Live Session (spec.md §4.L) for model, wiring the
// client's resolved auth strategy into the WebSocket dialer.
func (c *Client) LiveSession(ctx context.Context, model string, callOpts auth.CallOptions, setup live.SetupConfig, callbacks live.Callbacks) (*live.Session, error) {
	normalized, err := auth.NormalizeModel(model)
	if err != nil {
		return nil, err
	}
	strategy, creds, err := c.authCoord.Coordinate(ctx, callOpts)
	if err != nil {
		return nil, err
	}
	backend := auth.BackendGeminiAPI
	if backendLabel(strategy) == string(auth.BackendVertex) {
		backend = auth.BackendVertex
	}

	setup.Model = normalized

	userOnReconnect := callbacks.OnReconnect
	callbacks.OnReconnect = func(trigger string) {
		c.metrics.RecordLiveReconnect(trigger)
		if userOnReconnect != nil {
			userOnReconnect(trigger)
		}
	}
	userOnClose := callbacks.OnClose
	callbacks.OnClose = func() {
		c.metrics.DecLiveSessions()
		if userOnClose != nil {
			userOnClose()
		}
	}

	session, err := live.Dial(ctx, live.Config{
		Backend:   backend,
		Strategy:  strategy,
		Creds:     creds,
		Setup:     setup,
		Callbacks: callbacks,
	})
	if err != nil {
		return nil, err
	}
	c.metrics.IncLiveSessions()
	return session, nil
}
