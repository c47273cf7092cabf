// Package config provides configuration loading, merging, and path
// management.
//
// Load merges configuration from four sources, later ones winning:
//
//  1. Global config (~/.config/qbit/qbit.json or qbit.jsonc)
//  2. Project config (<workspace>/.qbit/qbit.json or qbit.jsonc)
//  3. The file named by QBIT_CONFIG, then inline JSON in
//     QBIT_CONFIG_CONTENT
//  4. Environment variables (provider API keys, QBIT_MODEL,
//     QBIT_SMALL_MODEL); a <workspace>/.env file is loaded into the
//     environment first
//
// Both plain JSON and JSONC (comments tolerated via tidwall/jsonc) are
// accepted, since these files are usually typed in an editor.
//
// GetPaths exposes the XDG Base Directory layout the rest of the system
// roots its state under:
//   - Data:   $XDG_DATA_HOME/qbit   (transcripts, archives, storage)
//   - Config: $XDG_CONFIG_HOME/qbit (settings, HITL patterns, MCP tokens)
//   - Cache:  $XDG_CACHE_HOME/qbit
//   - State:  $XDG_STATE_HOME/qbit
//
// On Windows these fall back to APPDATA.
package config
