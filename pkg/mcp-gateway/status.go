package mcpgateway

import (
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/vikashloomba/mcp-supervisor-go/pkg/mcpmgr"
)

// StatusReport is the body served on the status route.
type StatusReport struct {
	Version uint64         `json:"version"`
	BuiltAt time.Time      `json:"builtAt"`
	Servers []ServerStatus `json:"servers"`
}

// ServerStatus summarizes one server of a snapshot.
type ServerStatus struct {
	Name              string                  `json:"name"`
	Status            mcpmgr.ConnectionStatus `json:"status"`
	Generation        uint64                  `json:"generation"`
	ConnectionID      string                  `json:"connectionId,omitempty"`
	Tools             []string                `json:"tools"`
	Resources         []string                `json:"resources"`
	ResourceTemplates []string                `json:"resourceTemplates"`
}

// NewStatusReport summarizes snap with names sorted for stable output.
func NewStatusReport(snap mcpmgr.ProviderSnapshot) StatusReport {
	report := StatusReport{Version: snap.Version, BuiltAt: snap.BuiltAt, Servers: []ServerStatus{}}
	for _, name := range slices.Sorted(maps.Keys(snap.Servers)) {
		entry := snap.Servers[name]
		report.Servers = append(report.Servers, ServerStatus{
			Name:              name,
			Status:            entry.Status,
			Generation:        entry.Generation,
			ConnectionID:      entry.ConnectionID,
			Tools:             slices.Sorted(maps.Keys(entry.Tools)),
			Resources:         slices.Sorted(maps.Keys(entry.Resources)),
			ResourceTemplates: slices.Sorted(maps.Keys(entry.ResourceTemplates)),
		})
	}
	return report
}

func (g *Gateway) serveStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(NewStatusReport(g.manager.Snapshot())); err != nil {
		g.opts.Logger.Warn("write status", "error", err)
	}
}
