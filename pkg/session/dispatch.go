package session

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/treeline-ai/treeline/pkg/engine"
	"github.com/treeline-ai/treeline/pkg/events"
	"github.com/treeline-ai/treeline/pkg/observe"
	"github.com/treeline-ai/treeline/pkg/qa"
	"github.com/treeline-ai/treeline/pkg/rubric"
	"github.com/treeline-ai/treeline/pkg/sandbox"
)

// eventBuffer absorbs progress bursts so the search loop is not paced by
// socket writes between snapshots.
const eventBuffer = 64

// sink is the slice of events.Conn the handlers write to. Tests substitute
// a recording implementation.
type sink interface {
	Send(payload any) error
	SendError(message string)
}

// Dispatch implements events.Dispatcher. It blocks until the request
// finishes; the connection manager serializes frames per connection, so a
// second ask on the same socket waits for the first.
func (o *Orchestrator) Dispatch(ctx context.Context, conn *events.Conn, msg *events.ClientMessage) {
	o.dispatch(ctx, conn, msg)
}

func (o *Orchestrator) dispatch(ctx context.Context, s sink, msg *events.ClientMessage) {
	switch msg.Type {
	case events.MessageAsk:
		o.handleAsk(ctx, s, msg)
	case events.MessageCompare:
		o.handleCompare(ctx, s, msg)
	case events.MessageDiscover:
		o.handleDiscover(ctx, s, msg)
	default:
		s.SendError(fmt.Sprintf("Unknown message type: %s", msg.Type))
	}
}

func (o *Orchestrator) handleAsk(ctx context.Context, s sink, msg *events.ClientMessage) {
	question := strings.TrimSpace(msg.Question)
	if question == "" {
		s.SendError("No question provided.")
		return
	}
	contextText, err := o.contextFor(question, msg.VideoIDs)
	if err != nil {
		s.SendError("No transcripts loaded.")
		return
	}

	if err := s.Send(&events.SearchStartedPayload{
		Event:        events.EventSearchStarted,
		Question:     question,
		ContextChars: len(contextText),
	}); err != nil {
		return
	}

	start := time.Now()
	counting := newCountingClient(o.client)
	box := o.newQASandbox(contextText, counting)

	ch := make(chan engine.Event, eventBuffer)
	eng := o.newSearchEngine(counting, box, o.searchOptions(msg.MaxIterations, len(contextText)), ch)

	var (
		outcome   *engine.Outcome
		searchErr error
	)
	go func() {
		outcome, searchErr = eng.Search(ctx, question)
		close(ch)
	}()
	forwardSearch(s, ch, "")

	elapsed := time.Since(start)
	o.metrics.LLMCalls.Add(float64(counting.Calls()))
	if searchErr != nil {
		// A disconnect cancels the context; there is nobody left to tell.
		if ctx.Err() == nil {
			s.SendError(fmt.Sprintf("Search failed: %v", searchErr))
		}
		o.metrics.ObserveRun(modeAsk, observe.StatusError, elapsed.Seconds())
		return
	}

	_ = s.Send(&events.SearchCompletePayload{
		Event:      events.EventSearchComplete,
		Answer:     outcome.Answer,
		Confidence: round4(outcome.Confidence),
		Tree:       outcome.Tree,
	})
	o.metrics.ObserveRun(modeAsk, observe.StatusOK, elapsed.Seconds())
	o.metrics.CodeExecutions.Add(float64(codeExecutions(eng.Tree())))
}

func (o *Orchestrator) handleCompare(ctx context.Context, s sink, msg *events.ClientMessage) {
	question := strings.TrimSpace(msg.Question)
	if question == "" {
		s.SendError("No question provided.")
		return
	}
	contextText, err := o.contextFor(question, msg.VideoIDs)
	if err != nil {
		s.SendError("No transcripts loaded.")
		return
	}

	if err := s.Send(&events.SearchStartedPayload{
		Event:        events.EventSearchStarted,
		Question:     question,
		ContextChars: len(contextText),
	}); err != nil {
		return
	}

	start := time.Now()
	plainCounting := newCountingClient(o.client)
	mctsCounting := newCountingClient(o.client)

	var (
		plainResult *qa.PlainResultSnapshot
		mctsResult  *events.MCTSComparison
	)

	// Both engines run to completion unless the client disconnects; one
	// engine failing reports an error event and leaves the other's result
	// standing.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pipeline := qa.NewPlainPipeline(qa.PlainConfig{
			Client:       plainCounting,
			Model:        o.cfg.LLM.PolicyModel,
			JudgeModel:   o.cfg.LLM.JudgeModel,
			Executor:     o.newQASandbox(contextText, plainCounting),
			ContextChars: len(contextText),
			OnStep: func(step *qa.PlainStep) {
				_ = s.Send(&events.PlainStepPayload{
					Event: events.EventPlainStep,
					Mode:  events.ModePlain,
					Step:  step.Snapshot(),
				})
			},
		})
		res, err := pipeline.Run(gctx, question)
		if err != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			s.SendError(fmt.Sprintf("Plain search failed: %v", err))
			return nil
		}
		plainResult = res.Snapshot()
		return nil
	})

	g.Go(func() error {
		box := o.newQASandbox(contextText, mctsCounting)
		ch := make(chan engine.Event, eventBuffer)
		eng := o.newSearchEngine(mctsCounting, box, o.searchOptions(msg.MaxIterations, len(contextText)), ch)

		var (
			outcome   *engine.Outcome
			searchErr error
		)
		engineStart := time.Now()
		go func() {
			outcome, searchErr = eng.Search(gctx, question)
			close(ch)
		}()
		forwardSearch(s, ch, events.ModeMCTS)

		if searchErr != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			s.SendError(fmt.Sprintf("MCTS search failed: %v", searchErr))
			return nil
		}
		mctsResult = &events.MCTSComparison{
			Answer:     outcome.Answer,
			Confidence: round4(outcome.Confidence),
			Metrics:    treeMetrics(eng.Tree(), outcome, mctsCounting.Calls(), time.Since(engineStart).Milliseconds()),
			Tree:       outcome.Tree,
		}
		return nil
	})

	waitErr := g.Wait()
	elapsed := time.Since(start)
	o.metrics.LLMCalls.Add(float64(plainCounting.Calls() + mctsCounting.Calls()))
	if waitErr != nil {
		o.metrics.ObserveRun(modeCompare, observe.StatusError, elapsed.Seconds())
		return
	}

	_ = s.Send(&events.ComparisonCompletePayload{
		Event: events.EventComparisonComplete,
		Plain: plainResult,
		MCTS:  mctsResult,
	})

	status := observe.StatusOK
	if plainResult == nil || mctsResult == nil {
		status = observe.StatusError
	}
	o.metrics.ObserveRun(modeCompare, status, elapsed.Seconds())

	execs := 0
	if plainResult != nil {
		execs += len(plainResult.Steps)
	}
	if mctsResult != nil {
		execs += mctsResult.Metrics.CodeExecutions
	}
	o.metrics.CodeExecutions.Add(float64(execs))
}

func (o *Orchestrator) handleDiscover(ctx context.Context, s sink, msg *events.ClientMessage) {
	data := o.activeDataset()
	if data == nil {
		s.SendError("No dataset loaded.")
		return
	}

	if err := s.Send(&events.DiscoveryStartedPayload{
		Event:       events.EventDiscoveryStarted,
		NumTraining: len(data.Train),
		NumEval:     len(data.Eval),
	}); err != nil {
		return
	}

	start := time.Now()
	counting := newCountingClient(o.client)
	sample := data.Sample(o.cfg.Datasets.SampleSize, o.cfg.Datasets.SampleSeed)
	box := sandbox.New(o.cfg.Sandbox, sandbox.WithExamples(data.Train, sample))
	policy := rubric.NewPolicy(counting, o.cfg.LLM.PolicyModel)

	opts := rubric.Options{
		MaxIterations: msg.MaxIterations,
		MaxDepth:      msg.MaxDepth,
		Exploration:   o.cfg.Search.Exploration,
		Tolerance:     o.cfg.Datasets.Tolerance,
	}

	ch := make(chan rubric.Event, eventBuffer)
	disc := rubric.NewDiscovery(box, policy, data, sample, opts, ch)

	var (
		outcome *rubric.Outcome
		runErr  error
	)
	go func() {
		outcome, runErr = disc.Run(ctx)
		close(ch)
	}()
	for ev := range ch {
		_ = s.Send(&events.DiscoveryNodePayload{
			Event:           events.EventNodeUpdate,
			Node:            ev.Node,
			Tree:            ev.Tree,
			Iteration:       ev.Iteration,
			TotalIterations: ev.Total,
		})
	}

	elapsed := time.Since(start)
	o.metrics.LLMCalls.Add(float64(counting.Calls()))
	if runErr != nil {
		if ctx.Err() == nil {
			s.SendError(fmt.Sprintf("Discovery failed: %v", runErr))
		}
		o.metrics.ObserveRun(modeDiscover, observe.StatusError, elapsed.Seconds())
		return
	}

	var evalResults any
	if outcome.Report != nil {
		evalResults = outcome.Report
	} else {
		evalResults = map[string]string{"error": "No valid rubric found"}
	}
	_ = s.Send(&events.DiscoveryCompletePayload{
		Event:          events.EventDiscoveryComplete,
		BestRubricCode: outcome.BestCode,
		BestScore:      round4(outcome.BestComposite),
		EvalResults:    evalResults,
		Tree:           outcome.Tree,
	})
	o.metrics.ObserveRun(modeDiscover, observe.StatusOK, elapsed.Seconds())
	if n := len(outcome.Tree.Nodes); n > 1 {
		o.metrics.CodeExecutions.Add(float64(n - 1))
	}
}

// forwardSearch relays engine events onto the socket until the channel
// closes. A failed send cancels the connection context, which stops the
// engine; draining continues so the search goroutine can exit.
func forwardSearch(s sink, ch <-chan engine.Event, mode string) {
	for ev := range ch {
		switch ev.Type {
		case engine.EventNodeUpdate:
			_ = s.Send(&events.NodeUpdatePayload{
				Event: events.EventNodeUpdate,
				Mode:  mode,
				Node:  ev.Node,
				Tree:  ev.Tree,
			})
		case engine.EventAnswerReady:
			_ = s.Send(&events.AnswerReadyPayload{
				Event:      events.EventAnswerReady,
				Mode:       mode,
				Answer:     ev.Answer,
				Confidence: round4(ev.Confidence),
			})
		}
	}
}

// treeMetrics summarizes the tree half of a finished comparison.
func treeMetrics(tree *engine.Tree, outcome *engine.Outcome, llmCalls, totalMS int64) *events.MCTSMetrics {
	var codeExecs, successful, maxDepth, visited int
	var valueSum float64
	tree.Walk(func(n *engine.Node) {
		if n.Depth > maxDepth {
			maxDepth = n.Depth
		}
		if n.Type == engine.NodeCode {
			codeExecs++
			if strings.TrimSpace(n.Stdout) != "" && n.Stderr == "" {
				successful++
			}
		}
		if n.Type != engine.NodeRoot && n.Visits > 0 {
			valueSum += n.AvgValue()
			visited++
		}
	})

	var avg float64
	if visited > 0 {
		avg = valueSum / float64(visited)
	}
	return &events.MCTSMetrics{
		TotalTimeMS:          totalMS,
		LLMCalls:             llmCalls,
		CodeExecutions:       codeExecs,
		SuccessfulCodeBlocks: successful,
		UniqueStrategies:     len(tree.Root().Children),
		MaxDepthReached:      maxDepth,
		AvgNodeValue:         round4(avg),
		AnswerLength:         utf8.RuneCountInString(outcome.Answer),
		Confidence:           round4(outcome.Confidence),
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
