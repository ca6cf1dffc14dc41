package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	mcpgateway "github.com/vikashloomba/mcp-lazy-gateway/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-lazy-gateway/pkg/mcpmgr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := mcpmgr.NewPool(map[string]mcpmgr.ServerConfig{
		"everything": {
			Command: "npx",
			Args:    []string{"@modelcontextprotocol/server-everything"},
		},
	}, &mcpmgr.PoolOptions{
		ClientName: "gateway-example",
		TTL:        10 * time.Minute,
	})
	if err != nil {
		log.Fatalf("failed to build pool: %v", err)
	}
	defer pool.Close()

	gateway, err := mcpgateway.NewGateway(pool, &mcpgateway.Options{
		Addr:           ":8787",
		Path:           "/mcp",
		AllowedOrigins: []string{"http://localhost:6274"},
		Streamable: mcp.StreamableHTTPOptions{
			JSONResponse: true,
		},
	})
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}
	gateway.ServeMux().HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	gwOptions := gateway.Options()
	log.Printf("gateway serving Streamable MCP on %s%s", gwOptions.Addr, gwOptions.Path)
	if err := gateway.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("gateway server stopped: %v", err)
	}
}
