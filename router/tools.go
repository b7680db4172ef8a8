package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Broker tool names. These seven operations are the entire outward surface;
// clients never see the individual tool servers directly.
const (
	ToolDiscoverServerActions = "discover_server_actions"
	ToolGetActionDetails      = "get_action_details"
	ToolExecuteAction         = "execute_action"
	ToolSearchDocumentation   = "search_documentation"
	ToolManageServers         = "manage_servers"
	ToolSearchCatalog         = "search_mcp_catalog"
	ToolHandleAuthFailure     = "handle_auth_failure"
)

// brokerTool is one entry in the broker's own tools/list response.
type brokerTool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

func brokerTools() []brokerTool {
	return []brokerTool{
		{
			Name:        ToolDiscoverServerActions,
			Description: "List available actions across configured tool servers. Connects cold servers unless offline is set, in which case cached catalog data answers.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"servers": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Server names to inspect. Empty means every enabled server.",
					},
					"query": map[string]any{
						"type":        "string",
						"description": "Optional substring filter on action name or description.",
					},
					"offline": map[string]any{
						"type":        "boolean",
						"description": "Answer from the catalog only; never connect a server.",
					},
				},
			},
		},
		{
			Name:        ToolGetActionDetails,
			Description: "Fetch the full input schema of one action, live from a connected server or from the catalog.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"server": map[string]any{"type": "string"},
					"action": map[string]any{"type": "string"},
				},
				"required": []string{"server", "action"},
			},
		},
		{
			Name:        ToolExecuteAction,
			Description: "Execute an action on a tool server, starting the server first if needed.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"server":    map[string]any{"type": "string"},
					"action":    map[string]any{"type": "string"},
					"arguments": map[string]any{"type": "object"},
				},
				"required": []string{"server", "action"},
			},
		},
		{
			Name:        ToolSearchDocumentation,
			Description: "Search the cataloged actions of one server by relevance.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"server": map[string]any{"type": "string"},
					"query":  map[string]any{"type": "string"},
					"limit":  map[string]any{"type": "integer"},
				},
				"required": []string{"server", "query"},
			},
		},
		{
			Name:        ToolManageServers,
			Description: "Manage server lifecycle and named server sets: list, connect, disconnect, connect_set, disconnect_set, disconnect_all, enable, disable, remove, upsert_set, remove_set, populate_catalog, reload.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"operation": map[string]any{
						"type": "string",
						"enum": []string{
							"list", "connect", "disconnect",
							"connect_set", "disconnect_set", "disconnect_all",
							"enable", "disable", "remove",
							"upsert_set", "remove_set",
							"populate_catalog", "reload",
						},
					},
					"server": map[string]any{"type": "string"},
					"set":    map[string]any{"type": "string"},
					"servers": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
					"description": map[string]any{"type": "string"},
					"exclusive": map[string]any{
						"type":        "boolean",
						"description": "With connect_set, disconnect servers outside the set first.",
					},
				},
				"required": []string{"operation"},
			},
		},
		{
			Name:        ToolHandleAuthFailure,
			Description: "Resolve an authentication failure on a tool server: fetch the credential instructions with get_auth_url, or persist a credential with save_auth_data.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"server_name": map[string]any{"type": "string"},
					"intention": map[string]any{
						"type": "string",
						"enum": []string{"get_auth_url", "save_auth_data"},
					},
					"auth_data": map[string]any{
						"type":        "object",
						"description": "Credential payload for save_auth_data; the token field is stored on the server config.",
					},
				},
				"required": []string{"server_name", "intention"},
			},
		},
		{
			Name:        ToolSearchCatalog,
			Description: "Search every cataloged action and server set, online or offline. Results say whether each server is currently connected.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"limit": map[string]any{"type": "integer"},
				},
				"required": []string{"query"},
			},
		},
	}
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func argInt(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

func argStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// executeTool dispatches one broker tool call.
func (r *Router) executeTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case ToolDiscoverServerActions:
		return map[string]any{
			"servers": r.Discover(ctx, argStrings(args, "servers"), argString(args, "query"), argBool(args, "offline")),
		}, nil

	case ToolGetActionDetails:
		server, action := argString(args, "server"), argString(args, "action")
		if server == "" || action == "" {
			return nil, fmt.Errorf("%w: server and action are required", ErrInvalidArguments)
		}
		return r.ActionDetails(server, action)

	case ToolExecuteAction:
		server, action := argString(args, "server"), argString(args, "action")
		if server == "" || action == "" {
			return nil, fmt.Errorf("%w: server and action are required", ErrInvalidArguments)
		}
		callArgs, _ := args["arguments"].(map[string]any)
		return r.Execute(ctx, server, action, callArgs)

	case ToolSearchDocumentation:
		server, query := argString(args, "server"), argString(args, "query")
		if server == "" || query == "" {
			return nil, fmt.Errorf("%w: server and query are required", ErrInvalidArguments)
		}
		hits, err := r.SearchServer(server, query, argInt(args, "limit"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": hits}, nil

	case ToolSearchCatalog:
		query := argString(args, "query")
		if query == "" {
			return nil, fmt.Errorf("%w: query is required", ErrInvalidArguments)
		}
		hits, err := r.SearchCatalog(query, argInt(args, "limit"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": hits}, nil

	case ToolManageServers:
		return r.manage(ctx, args)

	case ToolHandleAuthFailure:
		return r.handleAuthFailure(args)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
}

func (r *Router) manage(ctx context.Context, args map[string]any) (any, error) {
	op := argString(args, "operation")
	server := argString(args, "server")
	setName := argString(args, "set")

	needServer := func() error {
		if server == "" {
			return fmt.Errorf("%w: operation %s requires a server", ErrInvalidArguments, op)
		}
		return nil
	}
	needSet := func() error {
		if setName == "" {
			return fmt.Errorf("%w: operation %s requires a set", ErrInvalidArguments, op)
		}
		return nil
	}

	switch op {
	case "list":
		return map[string]any{"servers": r.List(), "sets": sortedSetNames(r)}, nil
	case "connect":
		if err := needServer(); err != nil {
			return nil, err
		}
		if err := r.Connect(ctx, server); err != nil {
			return nil, err
		}
		return map[string]any{"server": server, "state": "connected"}, nil
	case "disconnect":
		if err := needServer(); err != nil {
			return nil, err
		}
		if err := r.Disconnect(server); err != nil {
			return nil, err
		}
		return map[string]any{"server": server, "state": "disconnected"}, nil
	case "disconnect_all":
		if err := r.DisconnectAll(); err != nil {
			return nil, err
		}
		return map[string]any{"state": "disconnected"}, nil
	case "connect_set":
		if err := needSet(); err != nil {
			return nil, err
		}
		if err := r.ConnectSet(ctx, setName, argBool(args, "exclusive")); err != nil {
			return nil, err
		}
		return map[string]any{"set": setName, "state": "connected"}, nil
	case "disconnect_set":
		if err := needSet(); err != nil {
			return nil, err
		}
		if err := r.DisconnectSet(setName); err != nil {
			return nil, err
		}
		return map[string]any{"set": setName, "state": "disconnected"}, nil
	case "enable", "disable":
		if err := needServer(); err != nil {
			return nil, err
		}
		if err := r.SetEnabled(server, op == "enable"); err != nil {
			return nil, err
		}
		return map[string]any{"server": server, "enabled": op == "enable"}, nil
	case "remove":
		if err := needServer(); err != nil {
			return nil, err
		}
		if err := r.RemoveServer(server); err != nil {
			return nil, err
		}
		return map[string]any{"server": server, "removed": true}, nil
	case "upsert_set":
		if err := needSet(); err != nil {
			return nil, err
		}
		return r.upsertSet(setName, args)
	case "remove_set":
		if err := needSet(); err != nil {
			return nil, err
		}
		if !r.cfg.RemoveSet(setName) {
			return nil, fmt.Errorf("set %q not found", setName)
		}
		if err := r.cfg.Save(); err != nil {
			return nil, err
		}
		return map[string]any{"set": setName, "removed": true}, nil
	case "populate_catalog":
		if err := r.Populate(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"populated": true}, nil
	case "reload":
		if err := r.Reload(); err != nil {
			return nil, err
		}
		return map[string]any{"reloaded": true}, nil
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidArguments, op)
	}
}

func (r *Router) handleAuthFailure(args map[string]any) (any, error) {
	server := argString(args, "server_name")
	if server == "" {
		return nil, fmt.Errorf("%w: server_name is required", ErrInvalidArguments)
	}
	switch intention := argString(args, "intention"); intention {
	case "get_auth_url":
		return r.AuthInstructions(server)
	case "save_auth_data":
		data, ok := args["auth_data"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: auth_data is required for save_auth_data", ErrInvalidArguments)
		}
		token := argString(data, "token")
		if token == "" {
			return nil, fmt.Errorf("%w: auth_data.token is required", ErrInvalidArguments)
		}
		return r.SaveAuth(server, token)
	default:
		return nil, fmt.Errorf("%w: unknown intention %q", ErrInvalidArguments, intention)
	}
}

func (r *Router) upsertSet(name string, args map[string]any) (any, error) {
	set, _ := r.cfg.GetSet(name)
	if servers := argStrings(args, "servers"); servers != nil {
		set.Servers = servers
	}
	if desc := argString(args, "description"); desc != "" {
		set.Description = desc
	}
	r.cfg.UpsertSet(name, set)
	if err := r.cfg.Save(); err != nil {
		return nil, err
	}
	return map[string]any{"set": name, "servers": set.Servers}, nil
}

func sortedSetNames(r *Router) []string {
	names := make([]string, 0)
	for name := range r.cfg.Sets() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
