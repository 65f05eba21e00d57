// Package mcpconfig loads the desired server set for an mcpmgr.Manager from a
// YAML or JSON file, validates it, and watches it for changes.
//
// File-wide problems fail Load. A broken server entry does not: it is
// reported by File.ServerConfigs and still handed to the manager, which keeps
// it failed while the other servers run.
//
// A minimal file:
//
//	servers:
//	  everything:
//	    command: npx
//	    args: ["-y", "@modelcontextprotocol/server-everything"]
//	  remote:
//	    url: https://mcp.example.com/mcp
//	    headers:
//	      Authorization: Bearer ${API_TOKEN}
//	reconnect:
//	  maxRetries: 5
//	  initialDelay: 2s
//	health:
//	  interval: 10s
package mcpconfig
