package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type progressSink interface {
	NotifyProgress(context.Context, *mcp.ProgressNotificationParams) error
}

type progressCarrier interface {
	mcp.Params
	GetProgressToken() any
	SetProgressToken(any)
}

// progressTracker relays backend progress notifications to the caller that
// started the tool call. Outgoing calls carry a gateway-scoped token so that
// two callers choosing the same token never receive each other's progress.
type progressTracker struct {
	counter atomic.Uint64
	seq     atomic.Uint64

	mu     sync.RWMutex
	routes map[string]progressRoute

	logger       *slog.Logger
	cleanupGrace time.Duration
}

type progressRoute struct {
	sink  progressSink
	token any
	seq   uint64
}

const progressCleanupGrace = 250 * time.Millisecond

func newProgressTracker(logger *slog.Logger) *progressTracker {
	return &progressTracker{
		routes:       make(map[string]progressRoute),
		logger:       logger,
		cleanupGrace: progressCleanupGrace,
	}
}

// track swaps the caller's progress token on carrier for a gateway token and
// routes progress for it back to sink. The returned func releases the route.
func (pt *progressTracker) track(server string, sink progressSink, callerToken any, carrier progressCarrier) func() {
	if sink == nil || carrier == nil || callerToken == nil {
		return func() {}
	}
	original, ok := normalizeProgressToken(callerToken)
	if !ok {
		pt.logWarn("progress token unsupported", server, callerToken)
		return func() {}
	}
	token := fmt.Sprintf("gw/%s/%d", server, pt.counter.Add(1))
	ensureProgressMeta(carrier)
	carrier.SetProgressToken(token)
	return pt.register(server, token, original, sink)
}

func (pt *progressTracker) register(server string, token, original any, sink progressSink) func() {
	key, ok := progressMapKey(server, token)
	if !ok {
		return func() {}
	}
	seq := pt.seq.Add(1)
	pt.mu.Lock()
	pt.routes[key] = progressRoute{sink: sink, token: original, seq: seq}
	pt.mu.Unlock()
	return func() {
		pt.removeLater(key, seq)
	}
}

// removeLater keeps a route alive briefly so progress emitted just before the
// result still arrives.
func (pt *progressTracker) removeLater(key string, seq uint64) {
	grace := pt.cleanupGrace
	if grace <= 0 {
		pt.removeIfMatch(key, seq)
		return
	}
	time.AfterFunc(grace, func() {
		pt.removeIfMatch(key, seq)
	})
}

func (pt *progressTracker) removeIfMatch(key string, seq uint64) {
	pt.mu.Lock()
	if current, ok := pt.routes[key]; ok && current.seq == seq {
		delete(pt.routes, key)
	}
	pt.mu.Unlock()
}

func (pt *progressTracker) lookup(server string, token any) (progressRoute, bool) {
	normalized, ok := normalizeProgressToken(token)
	if !ok {
		return progressRoute{}, false
	}
	key, ok := progressMapKey(server, normalized)
	if !ok {
		return progressRoute{}, false
	}
	pt.mu.RLock()
	route, ok := pt.routes[key]
	pt.mu.RUnlock()
	return route, ok
}

// forward is registered with the pool as its progress handler.
func (pt *progressTracker) forward(ctx context.Context, server string, req *mcp.ProgressNotificationClientRequest) {
	if req == nil || req.Params == nil {
		return
	}
	route, ok := pt.lookup(server, req.Params.ProgressToken)
	if !ok {
		if pt.logger != nil {
			pt.logger.Debug("progress for unknown token", "server", server, "token", req.Params.ProgressToken)
		}
		return
	}
	params := *req.Params
	params.ProgressToken = route.token
	if err := route.sink.NotifyProgress(ctx, &params); err != nil && pt.logger != nil {
		pt.logger.Warn("forward progress", "server", server, "error", err)
	}
}

func (pt *progressTracker) logWarn(msg, server string, token any) {
	if pt.logger == nil {
		return
	}
	pt.logger.Warn(msg, "server", server, "token", token)
}

func progressMapKey(server string, token any) (string, bool) {
	switch v := token.(type) {
	case string:
		return server + "|s|" + v, true
	case int64:
		return fmt.Sprintf("%s|i|%d", server, v), true
	default:
		return "", false
	}
}

// normalizeProgressToken maps a decoded token onto string or int64, the two
// forms the go-sdk accepts when setting a token.
func normalizeProgressToken(token any) (any, bool) {
	switch v := token.(type) {
	case nil:
		return nil, false
	case string:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		if math.Trunc(v) == v {
			return int64(v), true
		}
		return fmt.Sprintf("%g", v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
		return v.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

func ensureProgressMeta(params progressCarrier) {
	if params.GetMeta() == nil {
		params.SetMeta(map[string]any{})
	}
}
