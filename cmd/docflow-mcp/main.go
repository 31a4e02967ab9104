// docflow-mcp serves read-mostly pipeline tools to assistants over MCP stdio.
//
// Env:
// - DOCFLOW_API_URL (default http://localhost:8080)
// - DOCFLOW_SESSION, a service-account session token (see docflowctl session put)
// - DOCFLOW_TOKEN, a bearer token, used when no session is set
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/mmdatafocus/docflow_backend/poller"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"
)

var version = "dev"

func newServer(tools *Tools) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "docflow", Version: version}, nil)
	tools.Register(server)
	return server
}

func main() {
	// stdout carries the protocol.
	logger := config.GetLogger()
	logger.SetOutput(os.Stderr)

	api := os.Getenv("DOCFLOW_API_URL")
	if api == "" {
		api = "http://localhost:8080"
	}
	client := poller.NewClient(api)
	client.Session = os.Getenv("DOCFLOW_SESSION")
	client.Token = os.Getenv("DOCFLOW_TOKEN")

	settings := config.LoadPipelineSettings()
	tools := &Tools{API: client, Interval: settings.PollInterval, MaxWait: settings.PollMaxWait}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newServer(tools).Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		logger.WithFields(logrus.Fields{"field": "mcp"}).Error(err.Error())
		stop()
		os.Exit(1)
	}
}
