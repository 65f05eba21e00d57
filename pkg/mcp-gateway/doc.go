// Package mcpgateway serves the tools and resources of every connected
// mcpmgr server from one Streamable MCP endpoint. Upstream names are
// namespaced per server, and the registrations track the manager's snapshots
// as servers connect, reconnect, and go away.
package mcpgateway
