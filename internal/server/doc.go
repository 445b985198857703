// Package server orchestrates the preview server pair.
//
// Architecture:
//   - Manager owns one HTTP file server and one WebSocket reload server
//     and runs them through the Off -> Starting -> On lifecycle
//   - The HTTP server binds first on the requested port; the WebSocket
//     server then binds the adjacent port, hunting upward when it is taken
//   - The port injected into served pages is provisional (httpPort+1)
//     until the WebSocket bind confirms it; a mismatch triggers exactly
//     one corrective injector update
//   - Workspace file events arrive on a feed and are turned into reload
//     broadcasts according to the auto-refresh policy, which is re-read
//     from configuration at every event
package server
