// Package config manages the broker's server configuration file.
//
// The file maps server names to launch specs (subprocess command or remote
// URL) and optionally groups servers into named, composable sets. The layout
// follows the common MCP client convention:
//
//	{
//	  "mcp": {
//	    "servers": {
//	      "github": {"command": "github-mcp", "args": ["--stdio"]},
//	      "search": {"type": "http", "url": "http://localhost:9200/mcp"}
//	    },
//	    "sets": {
//	      "dev": {"description": "daily drivers", "servers": ["github", "search"]}
//	    }
//	  }
//	}
//
// Files ending in .yaml or .yml use the same structure in YAML.
//
// A List is the live in-memory view. It is safe for concurrent readers while
// Reload swaps the contents, and ServerConfig.Hash gives a stable identity
// for each entry so other layers can detect config drift without comparing
// fields one by one.
package config
