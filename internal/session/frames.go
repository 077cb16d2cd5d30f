package session

import (
	"fmt"

	"github.com/EPguitars/proxycare/internal/model"
)

// Frame actions. Inbound and outbound share one namespace.
const (
	actionStart        = "start"
	actionReportProxy  = "report_proxy"
	actionProxyTaken   = "proxy_taken"
	actionRequestProxy = "request_proxy"

	actionProxyAvailable = "proxy_available"
	actionProxyInUse     = "proxy_in_use"
	actionWaiting        = "waiting"
	actionReportAck      = "report_acknowledged"
	actionSourcesLoaded  = "sources_loaded"
	actionError          = "error"
)

// WebSocket close codes used by the engine.
const (
	closePolicyViolation = 1008
	closeInternalError   = 1011
)

// inboundFrame is the superset of every client message. source_ids elements
// may arrive as numbers or strings, so they decode as any and get coerced.
type inboundFrame struct {
	Action        string `json:"action"`
	SourceIDs     []any  `json:"source_ids"`
	ProxyID       int64  `json:"proxy_id"`
	StatusCode    int    `json:"status_code"`
	UsageInterval int    `json:"usage_interval"`
}

// coerceSourceIDs normalizes a source_ids list to strings. JSON numbers
// decode as float64; fractional values are rejected by returning them in
// integer form only when exact.
func coerceSourceIDs(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch id := v.(type) {
		case string:
			if id != "" {
				out = append(out, id)
			}
		case float64:
			if id == float64(int64(id)) {
				out = append(out, fmt.Sprintf("%d", int64(id)))
			}
		}
	}
	return out
}

type proxyAvailableFrame struct {
	Action        string            `json:"action"`
	SourceID      string            `json:"source_id,omitempty"`
	Proxy         model.ProxyRecord `json:"proxy"`
	Key           string            `json:"key"`
	UsageInterval int               `json:"usage_interval"`
}

type proxyInUseFrame struct {
	Action        string `json:"action"`
	ProxyID       int64  `json:"proxy_id"`
	UsageInterval int    `json:"usage_interval"`
	Key           string `json:"key"`
}

type waitingFrame struct {
	Action  string `json:"action"`
	Message string `json:"message"`
	Key     string `json:"key"`
}

type reportAckFrame struct {
	Action  string `json:"action"`
	ProxyID int64  `json:"proxy_id"`
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// LoadedSource is one entry of a sources_loaded reply.
type LoadedSource struct {
	SourceID   string `json:"source_id"`
	ProxyCount int    `json:"proxy_count"`
}

type sourcesLoadedFrame struct {
	Action        string         `json:"action"`
	LoadedSources []LoadedSource `json:"loaded_sources"`
	Message       string         `json:"message"`
}

type errorFrame struct {
	Action  string `json:"action"`
	Message string `json:"message"`
	Key     string `json:"key,omitempty"`
}
