package mcpgateway

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpmgr"
)

const (
	metaKeyServerID   = "mcpgateway.server_id"
	metaKeyNativeName = "mcpgateway.native_name"
	metaKeyNativeURI  = "mcpgateway.native_uri"
)

// featureIndex tracks which downstream registrations belong to which
// upstream server. A server's registrations are always replaced as a whole.
type featureIndex struct {
	ns NamespaceStrategy

	mu sync.RWMutex

	tools     map[string]toolTarget
	resources map[string]resourceTarget
	templates map[string]resourceTarget
	reverse   map[string]string
	servers   map[string]*serverFeatures
}

type serverFeatures struct {
	signature string
	tools     []string
	resources []string
	templates []string
}

type toolTarget struct {
	GatewayName string
	ServerID    string
	NativeName  string
}

type resourceTarget struct {
	GatewayURI string
	ServerID   string
	NativeURI  string
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

type resourceRegistration struct {
	Resource *mcp.Resource
	Target   resourceTarget
}

type templateRegistration struct {
	Template *mcp.ResourceTemplate
	Target   resourceTarget
}

// delta lists what to remove from and add to the downstream server.
type delta struct {
	RemovedTools     []string
	RemovedResources []string
	RemovedTemplates []string

	Tools     []toolRegistration
	Resources []resourceRegistration
	Templates []templateRegistration
}

func (d delta) empty() bool {
	return len(d.RemovedTools)+len(d.RemovedResources)+len(d.RemovedTemplates)+
		len(d.Tools)+len(d.Resources)+len(d.Templates) == 0
}

func newFeatureIndex(ns NamespaceStrategy) *featureIndex {
	return &featureIndex{
		ns:        ns,
		tools:     make(map[string]toolTarget),
		resources: make(map[string]resourceTarget),
		templates: make(map[string]resourceTarget),
		reverse:   make(map[string]string),
		servers:   make(map[string]*serverFeatures),
	}
}

// Replace swaps every registration of entry's server for the capabilities in
// entry. It reports ok=false, and changes nothing, when the generation and
// the capability names are unchanged since the last call.
func (f *featureIndex) Replace(entry mcpmgr.ServerEntry) (d delta, ok bool) {
	sig := signature(entry)

	f.mu.Lock()
	defer f.mu.Unlock()

	if cur, exists := f.servers[entry.Name]; exists && cur.signature == sig {
		return delta{}, false
	}
	d = f.dropLocked(entry.Name)
	rec := &serverFeatures{signature: sig}

	for _, name := range slices.Sorted(maps.Keys(entry.Tools)) {
		tool := entry.Tools[name].Tool
		if tool == nil {
			tool = &mcp.Tool{Name: name, Description: entry.Tools[name].Description, InputSchema: entry.Tools[name].InputSchema}
		}
		gatewayName := f.ns.ToolName(entry.Name, name)
		target := toolTarget{GatewayName: gatewayName, ServerID: entry.Name, NativeName: name}
		f.tools[gatewayName] = target
		rec.tools = append(rec.tools, gatewayName)
		d.Tools = append(d.Tools, toolRegistration{Tool: cloneTool(tool, gatewayName, entry.Name), Target: target})
	}
	for _, uri := range slices.Sorted(maps.Keys(entry.Resources)) {
		info := entry.Resources[uri]
		gatewayURI := f.ns.ResourceURI(entry.Name, uri)
		target := resourceTarget{GatewayURI: gatewayURI, ServerID: entry.Name, NativeURI: uri}
		f.resources[gatewayURI] = target
		f.reverse[resourceKey(entry.Name, uri)] = gatewayURI
		rec.resources = append(rec.resources, gatewayURI)
		d.Resources = append(d.Resources, resourceRegistration{
			Resource: &mcp.Resource{
				URI:         gatewayURI,
				Name:        info.Name,
				Description: info.Description,
				MIMEType:    info.MIMEType,
				Meta:        withMeta(nil, map[string]any{metaKeyServerID: entry.Name, metaKeyNativeURI: uri}),
			},
			Target: target,
		})
	}
	for _, uri := range slices.Sorted(maps.Keys(entry.ResourceTemplates)) {
		info := entry.ResourceTemplates[uri]
		gatewayURI := f.ns.ResourceTemplateURI(entry.Name, uri)
		target := resourceTarget{GatewayURI: gatewayURI, ServerID: entry.Name, NativeURI: uri}
		f.templates[gatewayURI] = target
		rec.templates = append(rec.templates, gatewayURI)
		d.Templates = append(d.Templates, templateRegistration{
			Template: &mcp.ResourceTemplate{
				URITemplate: gatewayURI,
				Name:        info.Name,
				Description: info.Description,
				MIMEType:    info.MIMEType,
				Meta:        withMeta(nil, map[string]any{metaKeyServerID: entry.Name, metaKeyNativeURI: uri}),
			},
			Target: target,
		})
	}
	f.servers[entry.Name] = rec
	return d, true
}

// Drop removes every registration of serverID.
func (f *featureIndex) Drop(serverID string) delta {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropLocked(serverID)
}

func (f *featureIndex) dropLocked(serverID string) delta {
	rec, ok := f.servers[serverID]
	if !ok {
		return delta{}
	}
	for _, name := range rec.tools {
		delete(f.tools, name)
	}
	for _, uri := range rec.resources {
		if target, ok := f.resources[uri]; ok {
			delete(f.reverse, resourceKey(target.ServerID, target.NativeURI))
		}
		delete(f.resources, uri)
	}
	for _, uri := range rec.templates {
		delete(f.templates, uri)
	}
	delete(f.servers, serverID)
	return delta{
		RemovedTools:     rec.tools,
		RemovedResources: rec.resources,
		RemovedTemplates: rec.templates,
	}
}

// Servers returns the names of servers that currently have registrations.
func (f *featureIndex) Servers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Sorted(maps.Keys(f.servers))
}

func (f *featureIndex) ToolTarget(name string) (toolTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tools[name]
	return t, ok
}

func (f *featureIndex) ResourceTarget(uri string) (resourceTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.resources[uri]
	return r, ok
}

func (f *featureIndex) TemplateTarget(uri string) (resourceTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.templates[uri]
	return t, ok
}

func (f *featureIndex) ResourceTargetByNative(serverID, nativeURI string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	uri, ok := f.reverse[resourceKey(serverID, nativeURI)]
	return uri, ok
}

func resourceKey(serverID, nativeURI string) string {
	return serverID + "\x00" + nativeURI
}

// signature identifies a connection generation together with the names it
// exposes, so capability refreshes within one generation still resync.
func signature(entry mcpmgr.ServerEntry) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(entry.Generation, 10))
	for _, group := range [][]string{
		slices.Sorted(maps.Keys(entry.Tools)),
		slices.Sorted(maps.Keys(entry.Resources)),
		slices.Sorted(maps.Keys(entry.ResourceTemplates)),
	} {
		b.WriteByte('|')
		b.WriteString(strings.Join(group, "\x00"))
	}
	return b.String()
}

func cloneTool(tool *mcp.Tool, gatewayName, serverID string) *mcp.Tool {
	clone := *tool
	clone.Name = gatewayName
	if clone.InputSchema == nil {
		clone.InputSchema = map[string]any{"type": "object"}
	}
	clone.Meta = withMeta(tool.Meta, map[string]any{
		metaKeyServerID:   serverID,
		metaKeyNativeName: tool.Name,
	})
	return &clone
}

func withMeta(base map[string]any, extras map[string]any) map[string]any {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]any)
	}
	for k, v := range extras {
		out[k] = v
	}
	return out
}
