package mcpmgr

import (
	"context"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// loggingTransport reports every JSON-RPC message exchanged with a backend.
type loggingTransport struct {
	server   string
	delegate mcp.Transport
	logger   RPCLogger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{server: t.server, delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	server   string
	delegate mcp.Connection
	logger   RPCLogger
	mu       sync.Mutex
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit(RPCDirectionReceive, msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	encoded, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger(RPCLogEvent{Direction: direction, Message: encoded, Server: c.server})
}
