package e2e

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/treeline-ai/treeline/pkg/llm"
)

// LLMScriptEntry defines a single scripted LLM completion.
type LLMScriptEntry struct {
	// Response content (exactly one should be set)
	Reply string // Returned as the completion text
	Err   error  // Returned as the completion error

	// Delay paces the completion, honoring context cancellation. Scripted
	// searches finish in microseconds otherwise, too fast for disconnect
	// tests to interrupt.
	Delay time.Duration
}

// ScriptedLLMClient implements llm.Client with a dual-dispatch mock: marker
// routes for runs where concurrent engines share the client and call order
// is non-deterministic, plus a sequential fallback consumed in order.
type ScriptedLLMClient struct {
	mu         sync.Mutex
	sequential []LLMScriptEntry // consumed in order for non-routed calls
	seqIndex   int
	markers    []string                    // routing keys, matched in insertion order
	routes     map[string][]LLMScriptEntry // marker → per-marker script
	routeIndex map[string]int
	requests   []*llm.Request
}

// NewScriptedLLMClient creates a new ScriptedLLMClient.
func NewScriptedLLMClient() *ScriptedLLMClient {
	return &ScriptedLLMClient{
		routes:     make(map[string][]LLMScriptEntry),
		routeIndex: make(map[string]int),
	}
}

// AddSequential adds an entry consumed in order by calls no marker claims.
func (c *ScriptedLLMClient) AddSequential(entry LLMScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequential = append(c.sequential, entry)
}

// AddRouted adds an entry for requests whose prompt contains marker.
// Per-marker entries are consumed in order; the last one repeats once the
// script runs out, so a judge route can score any number of nodes.
func (c *ScriptedLLMClient) AddRouted(marker string, entry LLMScriptEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.routes[marker]; !ok {
		c.markers = append(c.markers, marker)
	}
	c.routes[marker] = append(c.routes[marker], entry)
}

// Complete implements llm.Client.
func (c *ScriptedLLMClient) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	entry, err := c.nextEntry(req)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if entry.Delay > 0 {
		select {
		case <-time.After(entry.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if entry.Err != nil {
		return nil, entry.Err
	}
	return &llm.Response{Content: entry.Reply}, nil
}

func (c *ScriptedLLMClient) nextEntry(req *llm.Request) (LLMScriptEntry, error) {
	for _, marker := range c.markers {
		if !requestContains(req, marker) {
			continue
		}
		script := c.routes[marker]
		i := c.routeIndex[marker]
		if i >= len(script) {
			i = len(script) - 1
		} else {
			c.routeIndex[marker] = i + 1
		}
		return script[i], nil
	}

	if c.seqIndex < len(c.sequential) {
		entry := c.sequential[c.seqIndex]
		c.seqIndex++
		return entry, nil
	}
	return LLMScriptEntry{}, fmt.Errorf("llm script exhausted after %d sequential entries", c.seqIndex)
}

// Requests returns a snapshot of every captured request.
func (c *ScriptedLLMClient) Requests() []*llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*llm.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// Calls returns the number of completions requested so far.
func (c *ScriptedLLMClient) Calls() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.requests))
}

func requestContains(req *llm.Request, marker string) bool {
	for _, m := range req.Messages {
		if strings.Contains(m.Content, marker) {
			return true
		}
	}
	return false
}
