package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestPoolKeysListsConfiguredNames(t *testing.T) {
	t.Parallel()

	backends := newTestBackends()
	pool := newTestPool(t, backends, nil, "zeta", "alpha", "mid")

	if got, want := pool.Keys(), []string{"alpha", "mid", "zeta"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys() = %v, expected %v", got, want)
	}
	if backends.launchCount("alpha") != 0 {
		t.Fatalf("Keys must not launch backends")
	}
	for _, st := range pool.Snapshot() {
		if st.Status != StatusDisconnected {
			t.Fatalf("expected %s to be disconnected before first use, got %s", st.Name, st.Status)
		}
	}
}

func TestPoolGetUnknownServer(t *testing.T) {
	t.Parallel()

	pool := newTestPool(t, newTestBackends(), nil, "known")
	if _, err := pool.Get(context.Background(), "ghost"); !errors.Is(err, ErrUnknownServer) {
		t.Fatalf("Get(ghost) error = %v, expected ErrUnknownServer", err)
	}
}

func TestPoolConcurrentGetLaunchesOnce(t *testing.T) {
	t.Parallel()

	backends := newTestBackends()
	gate := make(chan struct{})
	backends.gate = gate
	pool := newTestPool(t, backends, nil, "srv")

	const callers = 8
	results := make([]*ServerContext, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = pool.Get(context.Background(), "srv")
		}(i)
	}
	waitFor(t, "launch to start", func() bool { return backends.launchCount("srv") == 1 })
	close(gate)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Fatalf("caller %d received a different context", i)
		}
	}
	if got := backends.launchCount("srv"); got != 1 {
		t.Fatalf("expected exactly one launch, got %d", got)
	}
}

func TestPoolReusesWithinTTLAndRelaunchesAfterExpiry(t *testing.T) {
	t.Parallel()

	backends := newTestBackends()
	pool := newTestPool(t, backends, nil, "srv")
	clock := useFakeClock(pool)
	ctx := context.Background()

	first := mustGet(t, pool, "srv")
	clock.Advance(DefaultTTL - time.Second)
	if again := mustGet(t, pool, "srv"); again != first {
		t.Fatalf("expected the cached context within the TTL window")
	}
	if got := backends.launchCount("srv"); got != 1 {
		t.Fatalf("expected one launch within TTL, got %d", got)
	}

	clock.Advance(2 * time.Second)
	second, err := pool.Get(ctx, "srv")
	if err != nil {
		t.Fatalf("Get after expiry: %v", err)
	}
	if second == first {
		t.Fatalf("expected a relaunched context after expiry")
	}
	if got := backends.launchCount("srv"); got != 2 {
		t.Fatalf("expected relaunch after expiry, got %d launches", got)
	}
	waitClosed(t, first)
}

func TestPoolServesStaleWhenRelaunchFails(t *testing.T) {
	t.Parallel()

	backends := newTestBackends()
	pool := newTestPool(t, backends, nil, "srv")
	clock := useFakeClock(pool)

	first := mustGet(t, pool, "srv")
	clock.Advance(DefaultTTL + time.Second)
	backends.setFailing("srv", true)

	got := mustGet(t, pool, "srv")
	if got != first {
		t.Fatalf("expected the stale context to be served when relaunch fails")
	}
	if got.State() != StateLive {
		t.Fatalf("stale context should stay live, got %s", got.State())
	}
	if n := backends.launchCount("srv"); n != 2 {
		t.Fatalf("expected a relaunch attempt, got %d launches", n)
	}
	if st := pool.Snapshot()[0]; st.Status != StatusStale {
		t.Fatalf("expected stale status, got %s", st.Status)
	}
}

func TestPoolDropsStaleWhenProbeFails(t *testing.T) {
	t.Parallel()

	backends := newTestBackends()
	pool := newTestPool(t, backends, &PoolOptions{ProbeTimeout: 50 * time.Millisecond}, "srv")
	clock := useFakeClock(pool)

	first := mustGet(t, pool, "srv")
	clock.Advance(DefaultTTL + time.Second)
	backends.setFailing("srv", true)
	backends.setPingBlocked("srv", true)

	_, err := pool.Get(context.Background(), "srv")
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("expected LaunchError, got %v", err)
	}
	if launchErr.Server != "srv" || launchErr.Stage != StageStart {
		t.Fatalf("unexpected launch error: %+v", launchErr)
	}
	waitClosed(t, first)
	if st := pool.Snapshot()[0]; st.Status != StatusDisconnected {
		t.Fatalf("expected disconnected after failed probe, got %s", st.Status)
	}
}

func TestPoolEvictsLeastRecentlyUsed(t *testing.T) {
	t.Parallel()

	names := make([]string, DefaultCapacity+1)
	for i := range names {
		names[i] = fmt.Sprintf("srv-%02d", i)
	}
	backends := newTestBackends()
	pool := newTestPool(t, backends, nil, names...)

	contexts := make([]*ServerContext, len(names))
	for i, name := range names[:DefaultCapacity] {
		contexts[i] = mustGet(t, pool, name)
	}
	// Touch the oldest entry so the second one becomes least recently used.
	mustGet(t, pool, names[0])
	contexts[DefaultCapacity] = mustGet(t, pool, names[DefaultCapacity])

	waitClosed(t, contexts[1])
	closed := 0
	for _, sc := range contexts {
		if sc.State() != StateLive {
			closed++
		}
	}
	if closed != 1 {
		t.Fatalf("expected exactly one evicted context, got %d", closed)
	}

	connected := 0
	for _, st := range pool.Snapshot() {
		if st.Status == StatusConnected {
			connected++
		}
		if st.Name == names[1] && st.Status != StatusDisconnected {
			t.Fatalf("evicted server %s still reported as %s", st.Name, st.Status)
		}
	}
	if connected != DefaultCapacity {
		t.Fatalf("expected %d cached servers, got %d", DefaultCapacity, connected)
	}
}

func TestPoolSelfEvictsWhenBackendExits(t *testing.T) {
	t.Parallel()

	backends := newTestBackends()
	pool := newTestPool(t, backends, nil, "srv")

	first := mustGet(t, pool, "srv")
	backends.killSession("srv")
	waitClosed(t, first)
	waitFor(t, "self-eviction", func() bool {
		return pool.Snapshot()[0].Status == StatusDisconnected
	})

	second := mustGet(t, pool, "srv")
	if second == first {
		t.Fatalf("a closed context must never be reused")
	}
	if got := backends.launchCount("srv"); got != 2 {
		t.Fatalf("expected relaunch after backend exit, got %d launches", got)
	}
}

func TestPoolToolListChangedMarksStale(t *testing.T) {
	t.Parallel()

	backends := newTestBackends()
	pool := newTestPool(t, backends, nil, "srv")

	first := mustGet(t, pool, "srv")
	backends.setTools("srv", "echo", "fresh")
	backends.addTool("srv", "fresh")
	waitFor(t, "stale after list_changed", func() bool {
		return pool.Snapshot()[0].Status == StatusStale
	})

	second := mustGet(t, pool, "srv")
	if second == first {
		t.Fatalf("expected a new context after tools/list_changed")
	}
	if _, ok := second.Tool("fresh"); !ok {
		t.Fatalf("relaunched context should see the new tool, got %v", second.ToolNames())
	}
	if _, ok := first.Tool("fresh"); ok {
		t.Fatalf("a context's catalog must not change after launch")
	}
}

func TestPoolDiscoveryFollowsCursor(t *testing.T) {
	t.Parallel()

	backends := newTestBackends()
	backends.pageSize = 1
	backends.setTools("paged", "alpha", "beta", "gamma")
	pool := newTestPool(t, backends, nil, "paged")

	sc := mustGet(t, pool, "paged")
	if got, want := sc.ToolNames(), []string{"alpha", "beta", "gamma"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ToolNames() = %v, expected %v", got, want)
	}
	if sc.Description() != "paged backend. Used in tests." {
		t.Fatalf("description should come from server instructions, got %q", sc.Description())
	}
	if sc.Command() != "paged-cmd --stdio" {
		t.Fatalf("command summary mismatch: %q", sc.Command())
	}
	if sc.Capabilities() == nil || sc.Capabilities().Tools == nil {
		t.Fatalf("expected tools capability to be recorded")
	}
}

func TestPoolCallToolReachesBackend(t *testing.T) {
	t.Parallel()

	backends := newTestBackends()
	pool := newTestPool(t, backends, nil, "srv")
	sc := mustGet(t, pool, "srv")

	res, err := sc.CallTool(context.Background(), &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{}})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	text, ok := res.Content[0].(*mcp.TextContent)
	if !ok || text.Text != "srv:echo" {
		t.Fatalf("unexpected tool result: %#v", res.Content)
	}
	if backends.callCount("srv") != 1 {
		t.Fatalf("expected one backend call, got %d", backends.callCount("srv"))
	}
}

func TestPoolTracesJSONRPCTraffic(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []RPCLogEvent
	)
	backends := newTestBackends()
	pool := newTestPool(t, backends, &PoolOptions{RPCLogger: func(event RPCLogEvent) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	}}, "srv")
	mustGet(t, pool, "srv")

	mu.Lock()
	defer mu.Unlock()
	var sawList, sawReply bool
	for _, event := range events {
		if event.Server != "srv" {
			t.Fatalf("unexpected server %q", event.Server)
		}
		msg := string(event.Message)
		if event.Direction == RPCDirectionSend && strings.Contains(msg, `"tools/list"`) {
			sawList = true
		}
		if event.Direction == RPCDirectionReceive && strings.Contains(msg, `"echo"`) {
			sawReply = true
		}
	}
	if !sawList || !sawReply {
		t.Fatalf("expected tools/list request and reply in trace, got %d events", len(events))
	}
}

func TestPoolCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	backends := newTestBackends()
	pool := newTestPool(t, backends, nil, "a", "b")
	a := mustGet(t, pool, "a")
	b := mustGet(t, pool, "b")

	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, sc := range []*ServerContext{a, b} {
		if sc.State() != StateClosed {
			t.Fatalf("%s should be closed after pool close, got %s", sc.Name(), sc.State())
		}
	}
	if err := pool.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := pool.Get(context.Background(), "a"); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Get after Close error = %v, expected ErrPoolClosed", err)
	}
}

func TestPoolCloseAbortsInFlightLaunch(t *testing.T) {
	t.Parallel()

	backends := newTestBackends()
	backends.gate = make(chan struct{})
	pool := newTestPool(t, backends, nil, "slow")

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Get(context.Background(), "slow")
		errCh <- err
	}()
	waitFor(t, "launch to start", func() bool { return backends.launchCount("slow") == 1 })

	if err := pool.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected in-flight Get to fail after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("in-flight Get did not return after Close")
	}
}

func TestServerContextCloseRunsOnce(t *testing.T) {
	t.Parallel()

	backends := newTestBackends()
	pool := newTestPool(t, backends, nil, "srv")
	sc := mustGet(t, pool, "srv")

	fired := make(chan struct{}, 1)
	sc.setCloseHandler(func() { fired <- struct{}{} })
	if !sc.beginClose() {
		t.Fatalf("first beginClose should win")
	}
	if sc.beginClose() {
		t.Fatalf("second beginClose must not win")
	}
	if err := sc.finishClose(); err != nil {
		t.Fatalf("finishClose: %v", err)
	}
	if err := sc.close(); err != nil {
		t.Fatalf("close on closed context: %v", err)
	}
	if sc.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", sc.State())
	}
	select {
	case <-fired:
		t.Fatalf("close handler must be detached before disposal")
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := sc.CallTool(context.Background(), &mcp.CallToolParams{Name: "echo"}); !errors.Is(err, mcp.ErrConnectionClosed) {
		t.Fatalf("CallTool on closed context error = %v", err)
	}
}

func TestCommandLauncherBuildsStdioTransport(t *testing.T) {
	t.Parallel()

	cfg := ServerConfig{
		Command: "sh",
		Args:    []string{"-c", "cat"},
		Env:     map[string]string{"MCP_SERVER_MODE": "stdio"},
	}
	launcher := &CommandLauncher{Stderr: io.Discard}
	transport, closer, err := launcher.Launch(context.Background(), "shell", cfg)
	if err != nil {
		t.Skipf("sh not available: %v", err)
	}
	defer closer.Close()

	cmdTransport, ok := transport.(*mcp.CommandTransport)
	if !ok {
		t.Fatalf("expected CommandTransport, got %T", transport)
	}
	if want := []string{"sh", "-c", "cat"}; !reflect.DeepEqual(cmdTransport.Command.Args, want) {
		t.Fatalf("command args = %v, expected %v", cmdTransport.Command.Args, want)
	}
	if !envContains(cmdTransport.Command.Env, "MCP_SERVER_MODE", "stdio") {
		t.Fatalf("env missing MCP_SERVER_MODE from config")
	}
	if _, ok := cmdTransport.Command.Stderr.(*prefixWriter); !ok {
		t.Fatalf("stderr should be routed through the prefix writer, got %T", cmdTransport.Command.Stderr)
	}
}

func TestCommandLauncherRejectsMissingBinary(t *testing.T) {
	t.Parallel()

	pool, err := NewPool(map[string]ServerConfig{
		"missing": {Command: "definitely-not-a-real-mcp-binary"},
	}, &PoolOptions{Logger: discardLogger(), Stderr: io.Discard})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })

	_, err = pool.Get(context.Background(), "missing")
	var launchErr *LaunchError
	if !errors.As(err, &launchErr) || launchErr.Stage != StageStart {
		t.Fatalf("expected start-stage LaunchError, got %v", err)
	}
}

// testBackends serves in-memory MCP servers in place of subprocesses and
// records how often each one is launched.
type testBackends struct {
	mu          sync.Mutex
	gate        chan struct{}
	pageSize    int
	launches    map[string]int
	calls       map[string]int
	failing     map[string]bool
	pingBlocked map[string]bool
	tools       map[string][]string
	servers     map[string]*mcp.Server
	sessions    map[string]*mcp.ServerSession
}

func newTestBackends() *testBackends {
	return &testBackends{
		launches:    make(map[string]int),
		calls:       make(map[string]int),
		failing:     make(map[string]bool),
		pingBlocked: make(map[string]bool),
		tools:       make(map[string][]string),
		servers:     make(map[string]*mcp.Server),
		sessions:    make(map[string]*mcp.ServerSession),
	}
}

func (b *testBackends) launcher() Launcher {
	return TransportLauncher(func(ctx context.Context, name string, _ ServerConfig) (mcp.Transport, error) {
		b.mu.Lock()
		b.launches[name]++
		gate := b.gate
		fail := b.failing[name]
		b.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if fail {
			return nil, errors.New("spawn refused")
		}
		server := b.newServer(name)
		clientTransport, serverTransport := mcp.NewInMemoryTransports()
		session, err := server.Connect(ctx, serverTransport, nil)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.servers[name] = server
		b.sessions[name] = session
		b.mu.Unlock()
		return clientTransport, nil
	})
}

func (b *testBackends) newServer(name string) *mcp.Server {
	b.mu.Lock()
	pageSize := b.pageSize
	tools := b.tools[name]
	b.mu.Unlock()
	if len(tools) == 0 {
		tools = []string{"echo"}
	}
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "test"}, &mcp.ServerOptions{
		Instructions: name + " backend. Used in tests.",
		PageSize:     pageSize,
		HasTools:     true,
	})
	server.AddReceivingMiddleware(func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			if method == "ping" && b.isPingBlocked(name) {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return next(ctx, method, req)
		}
	})
	for _, tool := range tools {
		server.AddTool(testTool(tool), b.toolHandler(name, tool))
	}
	return server
}

func (b *testBackends) toolHandler(server, tool string) mcp.ToolHandler {
	return func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b.mu.Lock()
		b.calls[server]++
		b.mu.Unlock()
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: server + ":" + tool}}}, nil
	}
}

func (b *testBackends) addTool(server, tool string) {
	b.mu.Lock()
	srv := b.servers[server]
	b.mu.Unlock()
	srv.AddTool(testTool(tool), b.toolHandler(server, tool))
}

func testTool(name string) *mcp.Tool {
	return &mcp.Tool{
		Name:        name,
		Description: "Runs " + name + ". More detail follows.",
		InputSchema: map[string]any{"type": "object"},
	}
}

func (b *testBackends) launchCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.launches[name]
}

func (b *testBackends) callCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[name]
}

func (b *testBackends) setFailing(name string, fail bool) {
	b.mu.Lock()
	b.failing[name] = fail
	b.mu.Unlock()
}

func (b *testBackends) setPingBlocked(name string, blocked bool) {
	b.mu.Lock()
	b.pingBlocked[name] = blocked
	b.mu.Unlock()
}

func (b *testBackends) isPingBlocked(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pingBlocked[name]
}

func (b *testBackends) setTools(name string, tools ...string) {
	b.mu.Lock()
	b.tools[name] = tools
	b.mu.Unlock()
}

func (b *testBackends) killSession(name string) {
	b.mu.Lock()
	session := b.sessions[name]
	b.mu.Unlock()
	_ = session.Close()
}

func newTestPool(t *testing.T, backends *testBackends, opts *PoolOptions, names ...string) *Pool {
	t.Helper()
	cfg := make(map[string]ServerConfig, len(names))
	for _, name := range names {
		cfg[name] = ServerConfig{Command: name + "-cmd", Args: []string{"--stdio"}}
	}
	if opts == nil {
		opts = &PoolOptions{}
	}
	opts.Launcher = backends.launcher()
	opts.Logger = discardLogger()
	pool, err := NewPool(cfg, opts)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func mustGet(t *testing.T, pool *Pool, name string) *ServerContext {
	t.Helper()
	sc, err := pool.Get(context.Background(), name)
	if err != nil {
		t.Fatalf("Get(%s): %v", name, err)
	}
	return sc
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func useFakeClock(pool *Pool) *fakeClock {
	clock := &fakeClock{now: time.Now()}
	pool.mu.Lock()
	pool.now = clock.Now
	pool.mu.Unlock()
	return clock
}

func waitClosed(t *testing.T, sc *ServerContext) {
	t.Helper()
	select {
	case <-sc.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("context %s was not closed (state %s)", sc.Name(), sc.State())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func envContains(env []string, key, value string) bool {
	target := key + "=" + value
	for _, item := range env {
		if item == target {
			return true
		}
	}
	return false
}
