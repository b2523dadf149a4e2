// offersync MCP server - exposes the offersync workflow as MCP tools over stdio
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/offersync/internal/config"
	"github.com/mbd888/offersync/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL: config.LoadAPIURL(),
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
