package mcpmgr

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// ConnectionStatus describes the cache state of a configured server.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
	StatusStale        ConnectionStatus = "stale"
)

// ServerStatus is a point-in-time view of one configured server.
type ServerStatus struct {
	Name      string
	Status    ConnectionStatus
	Command   string
	Tools     int
	ExpiresAt time.Time
}

// ProgressHandler receives progress notifications emitted by a backend.
type ProgressHandler func(ctx context.Context, server string, req *mcp.ProgressNotificationClientRequest)

// Pool lazily launches backends on first use and caches the resulting
// contexts. The cache is bounded by capacity (least recently used entries are
// evicted) and by a freshness TTL. An expired entry is relaunched on the next
// Get; if the relaunch fails and the expired backend still answers a ping, the
// expired context keeps being served.
//
// The pool owns every context it hands out and is the only component that
// closes them.
type Pool struct {
	configs map[string]ServerConfig
	names   []string
	opts    PoolOptions
	now     func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	cache   *simplelru.LRU[string, *poolEntry]
	retired []*ServerContext
	closed  bool

	flights   singleflight.Group
	launches  sync.WaitGroup
	disposals sync.WaitGroup

	progressMu sync.RWMutex
	onProgress ProgressHandler
}

type poolEntry struct {
	ctx     *ServerContext
	created time.Time
	expires time.Time
}

// NewPool builds a pool over the given server configurations. No backend is
// started until it is first requested.
func NewPool(cfg map[string]ServerConfig, opts *PoolOptions) (*Pool, error) {
	options := opts.normalized()
	p := &Pool{
		configs: maps.Clone(cfg),
		names:   sortedKeys(cfg),
		opts:    options,
		now:     time.Now,
	}
	if p.configs == nil {
		p.configs = map[string]ServerConfig{}
	}
	cache, err := simplelru.NewLRU[string, *poolEntry](options.Capacity, func(_ string, e *poolEntry) {
		// Called with p.mu held; disposal happens after the lock is released.
		p.retired = append(p.retired, e.ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: create cache: %w", err)
	}
	p.cache = cache
	p.baseCtx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// Keys returns every configured server name in sorted order, whether or not
// it is currently running.
func (p *Pool) Keys() []string {
	return append([]string(nil), p.names...)
}

// Has reports whether name is configured.
func (p *Pool) Has(name string) bool {
	_, ok := p.configs[name]
	return ok
}

// Config returns the configuration for name.
func (p *Pool) Config(name string) (ServerConfig, bool) {
	cfg, ok := p.configs[name]
	return cfg, ok
}

// OnProgress registers the handler for backend progress notifications,
// replacing any previous one.
func (p *Pool) OnProgress(handler ProgressHandler) {
	p.progressMu.Lock()
	p.onProgress = handler
	p.progressMu.Unlock()
}

// Get returns a live context for name, launching the backend if needed.
// Concurrent calls for the same name share a single launch. An error means
// the server is not usable right now.
func (p *Pool) Get(ctx context.Context, name string) (*ServerContext, error) {
	cfg, ok := p.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	if sc, err := p.lookupFresh(name); err != nil || sc != nil {
		return sc, err
	}
	ch := p.flights.DoChan(name, func() (any, error) {
		return p.refresh(name, cfg)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ServerContext), nil
	}
}

// lookupFresh returns the cached context for name if it is live and within
// its TTL, marking it as recently used.
func (p *Pool) lookupFresh(name string) (*ServerContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	e, ok := p.cache.Get(name)
	if !ok || !p.now().Before(e.expires) || e.ctx.State() != StateLive {
		return nil, nil
	}
	return e.ctx, nil
}

func (p *Pool) refresh(name string, cfg ServerConfig) (*ServerContext, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.launches.Add(1)
	p.mu.Unlock()
	defer p.launches.Done()

	// Another flight may have installed a context between our cache miss and
	// the start of this one.
	if sc, err := p.lookupFresh(name); err != nil || sc != nil {
		return sc, err
	}

	launchCtx, cancel := context.WithTimeout(p.baseCtx, p.opts.LaunchTimeout)
	sc, err := p.launch(launchCtx, name, cfg)
	cancel()
	if err == nil {
		if err := p.install(name, sc); err != nil {
			_ = sc.close()
			return nil, err
		}
		p.opts.Logger.Info("backend launched", "server", name, "tools", len(sc.order))
		return sc, nil
	}

	p.opts.Logger.Warn("backend launch failed", "server", name, "error", err)
	prior := p.peek(name)
	if prior == nil {
		return nil, err
	}
	probeCtx, cancel := context.WithTimeout(p.baseCtx, p.opts.ProbeTimeout)
	perr := prior.Ping(probeCtx)
	cancel()
	if perr == nil {
		p.opts.Logger.Warn("serving stale backend", "server", name)
		return prior, nil
	}
	p.opts.Logger.Warn("stale backend failed liveness probe", "server", name, "error", perr)
	p.remove(name, prior)
	return nil, err
}

// install caches sc under name, retiring whatever was cached before.
func (p *Pool) install(name string, sc *ServerContext) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if !sc.setCloseHandler(func() { p.selfEvict(name, sc) }) {
		p.mu.Unlock()
		return &LaunchError{Server: name, Stage: StageInstall, Err: mcp.ErrConnectionClosed}
	}
	p.cache.Remove(name)
	now := p.now()
	p.cache.Add(name, &poolEntry{ctx: sc, created: now, expires: now.Add(p.opts.TTL)})
	retired := p.takeRetired()
	p.mu.Unlock()

	p.dispose(retired)
	return nil
}

func (p *Pool) peek(name string) *ServerContext {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if e, ok := p.cache.Peek(name); ok {
		return e.ctx
	}
	return nil
}

// remove drops name from the cache if it still maps to sc and disposes it.
func (p *Pool) remove(name string, sc *ServerContext) {
	p.mu.Lock()
	if e, ok := p.cache.Peek(name); ok && e.ctx == sc {
		p.cache.Remove(name)
	}
	retired := p.takeRetired()
	p.mu.Unlock()
	p.dispose(retired)
}

// selfEvict runs when a cached backend closes on its own.
func (p *Pool) selfEvict(name string, sc *ServerContext) {
	p.opts.Logger.Warn("backend closed unexpectedly", "server", name)
	p.remove(name, sc)
}

// markStale expires the entry for name if it is still backed by session, so
// the next Get rediscovers the catalog.
func (p *Pool) markStale(name string, session *mcp.ClientSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.cache.Peek(name); ok && e.ctx.session == session {
		e.expires = p.now()
	}
}

func (p *Pool) takeRetired() []*ServerContext {
	retired := p.retired
	p.retired = nil
	return retired
}

// dispose closes retired contexts off the caller's path. Contexts that are no
// longer live are skipped, so a self-evicted context is never closed twice.
func (p *Pool) dispose(retired []*ServerContext) {
	for _, sc := range retired {
		if !sc.beginClose() {
			continue
		}
		p.disposals.Add(1)
		go func(sc *ServerContext) {
			defer p.disposals.Done()
			if err := sc.finishClose(); err != nil {
				p.opts.Logger.Warn("close backend", "server", sc.name, "error", err)
			}
		}(sc)
	}
}

// Snapshot reports the cache state of every configured server without
// launching anything.
func (p *Pool) Snapshot() []ServerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	out := make([]ServerStatus, 0, len(p.names))
	for _, name := range p.names {
		st := ServerStatus{Name: name, Status: StatusDisconnected, Command: p.configs[name].Summary()}
		if e, ok := p.cache.Peek(name); ok && e.ctx.State() == StateLive {
			st.Tools = len(e.ctx.order)
			st.ExpiresAt = e.expires
			st.Status = StatusConnected
			if !now.Before(e.expires) {
				st.Status = StatusStale
			}
		}
		out = append(out, st)
	}
	return out
}

// Close disposes every cached context and aborts in-flight launches. It is
// safe to call more than once; Get fails with ErrPoolClosed afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.disposals.Wait()
		return nil
	}
	p.closed = true
	p.cache.Purge()
	retired := p.takeRetired()
	p.mu.Unlock()

	p.cancel()
	var g errgroup.Group
	for _, sc := range retired {
		g.Go(func() error {
			if err := sc.close(); err != nil {
				return fmt.Errorf("mcpmgr: close %q: %w", sc.name, err)
			}
			return nil
		})
	}
	err := g.Wait()
	p.launches.Wait()
	p.disposals.Wait()
	return err
}

func (p *Pool) clientOptions(name string) mcp.ClientOptions {
	return mcp.ClientOptions{
		ToolListChangedHandler: func(_ context.Context, req *mcp.ToolListChangedRequest) {
			p.markStale(name, req.Session)
		},
		ProgressNotificationHandler: func(ctx context.Context, req *mcp.ProgressNotificationClientRequest) {
			p.progressMu.RLock()
			handler := p.onProgress
			p.progressMu.RUnlock()
			if handler != nil {
				handler(ctx, name, req)
			}
		},
	}
}
