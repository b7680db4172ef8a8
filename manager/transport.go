package manager

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sancovp/gnosys-strata/config"
)

// defaultTransport builds the transport for a server config: stdio servers
// are launched as subprocesses, http and sse servers are dialed at their
// configured URL with any extra headers attached to every request.
// A stored credential becomes an Authorization bearer header for http and
// sse servers and an MCP_AUTH_TOKEN environment entry for stdio servers.
func defaultTransport(cfg config.ServerConfig) (mcp.Transport, error) {
	switch cfg.Type {
	case config.TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("server %s: no command configured", cfg.Name)
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		// The subprocess inherits our environment; configured entries
		// override inherited ones.
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		if cfg.Auth != "" {
			cmd.Env = append(cmd.Env, "MCP_AUTH_TOKEN="+cfg.Auth)
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	case config.TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("server %s: no URL configured", cfg.Name)
		}
		return &mcp.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClientWithHeaders(requestHeaders(cfg)),
		}, nil
	case config.TransportSSE:
		if cfg.URL == "" {
			return nil, fmt.Errorf("server %s: no URL configured", cfg.Name)
		}
		return &mcp.SSEClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: httpClientWithHeaders(requestHeaders(cfg)),
		}, nil
	default:
		return nil, fmt.Errorf("server %s: unsupported type %q", cfg.Name, cfg.Type)
	}
}

// requestHeaders merges the configured headers with the stored credential.
// An explicit Authorization header wins over the credential.
func requestHeaders(cfg config.ServerConfig) map[string]string {
	if cfg.Auth == "" {
		return cfg.Headers
	}
	merged := make(map[string]string, len(cfg.Headers)+1)
	merged["Authorization"] = "Bearer " + cfg.Auth
	for k, v := range cfg.Headers {
		merged[k] = v
	}
	return merged
}

func httpClientWithHeaders(headers map[string]string) *http.Client {
	clone := make(map[string]string, len(headers))
	for k, v := range headers {
		if k == "" {
			continue
		}
		clone[k] = v
	}
	if len(clone) == 0 {
		return nil
	}
	return &http.Client{
		Transport: &headerRoundTripper{
			base:    http.DefaultTransport,
			headers: clone,
		},
	}
}

type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := h.base
	if base == nil {
		base = http.DefaultTransport
	}
	for key, value := range h.headers {
		if req.Header.Get(key) == "" {
			req.Header.Set(key, value)
		}
	}
	return base.RoundTrip(req)
}
