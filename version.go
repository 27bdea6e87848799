// Package extbuild builds the optional Cython debugger extensions under
// supervision. The commands live in cmd/extbuild.
package extbuild

// Version is the release version reported by the CLI and the MCP server.
const Version = "v0.1.0"
