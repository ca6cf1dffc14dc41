package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-lazy-gateway/pkg/mcpmgr"
)

// This example uses the pool directly, without the gateway in front of it.
func main() {
	pool, err := mcpmgr.NewPool(map[string]mcpmgr.ServerConfig{
		"example-stdio": {
			Command: "./my-mcp-server",
			Args:    []string{"--serve"},
			Env:     map[string]string{"LOG_LEVEL": "debug"},
		},
	}, &mcpmgr.PoolOptions{ClientName: "manager-example", LaunchTimeout: 10 * time.Second})
	if err != nil {
		log.Fatalf("failed to build pool: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	for _, name := range pool.Keys() {
		fmt.Printf("Configured server: %s\n", name)
		sc, err := pool.Get(ctx, name)
		if err != nil {
			fmt.Printf("  unavailable: %v\n", err)
			continue
		}
		for _, tool := range sc.Tools() {
			fmt.Printf("  tool: %s\n", tool.Name)
		}
		if _, ok := sc.Tool("echo"); ok {
			res, err := sc.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"message": "hi"}})
			if err != nil {
				fmt.Printf("  echo failed: %v\n", err)
				continue
			}
			fmt.Printf("  echo returned %d content blocks\n", len(res.Content))
		}
	}

	for _, st := range pool.Snapshot() {
		fmt.Printf("Status: %s %s (%d tools)\n", st.Name, st.Status, st.Tools)
	}
}
