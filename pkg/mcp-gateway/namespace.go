package mcpgateway

import (
	"net/url"
	"strings"
)

// NamespaceStrategy generates the downstream identifiers for upstream MCP
// servers. Implementations must be deterministic and collision-free for a given
// serverID/name pair.
type NamespaceStrategy interface {
	ToolName(serverID, toolName string) string
	ResourceURI(serverID, resourceURI string) string
	ResourceTemplateURI(serverID, templateURI string) string
	NativeResourceURI(serverID, gatewayURI string) (string, bool)
	NativeResourceTemplateURI(serverID, gatewayURI string) (string, bool)
}

// ServerPrefixNamespace prefixes tool names with the originating server ID
// joined by Separator (default "__"). Characters outside [A-Za-z0-9_.-] in the
// server ID are replaced with '_' so the result stays a valid tool name.
// Resource URIs are wrapped as mcpgateway+<server>/<category>::<native>.
type ServerPrefixNamespace struct {
	Separator string
}

func (s ServerPrefixNamespace) separator() string {
	if s.Separator == "" {
		return "__"
	}
	return s.Separator
}

func (s ServerPrefixNamespace) ToolName(serverID, toolName string) string {
	return sanitizeToolPrefix(serverID) + s.separator() + toolName
}

// NativeToolName strips the prefix ToolName adds for serverID.
func (s ServerPrefixNamespace) NativeToolName(serverID, gatewayName string) (string, bool) {
	return strings.CutPrefix(gatewayName, sanitizeToolPrefix(serverID)+s.separator())
}

func (s ServerPrefixNamespace) ResourceURI(serverID, resourceURI string) string {
	return resourcePrefix("resources", serverID) + resourceURI
}

func (s ServerPrefixNamespace) ResourceTemplateURI(serverID, templateURI string) string {
	return resourcePrefix("templates", serverID) + templateURI
}

func (s ServerPrefixNamespace) NativeResourceURI(serverID, gatewayURI string) (string, bool) {
	return strings.CutPrefix(gatewayURI, resourcePrefix("resources", serverID))
}

func (s ServerPrefixNamespace) NativeResourceTemplateURI(serverID, gatewayURI string) (string, bool) {
	return strings.CutPrefix(gatewayURI, resourcePrefix("templates", serverID))
}

func resourcePrefix(category, serverID string) string {
	return "mcpgateway+" + url.PathEscape(serverID) + "/" + category + "::"
}

func sanitizeToolPrefix(serverID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			return r
		}
		return '_'
	}, serverID)
}
