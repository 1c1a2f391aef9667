// Package config provides configuration management for the action server.
//
// Configuration starts from compiled-in defaults, is overridden by an
// optional YAML file, and finally by the documented ACTION_SERVER_*
// environment variables. The default file location is
// <dataDir>/config.yaml where dataDir is ~/.action-server or
// ACTION_SERVER_HOME.
//
// # File Format
//
//	server: { host: localhost, port: 8280 }
//	auth: { apiKey: "" }
//	data: { dir: /var/lib/action-server }
//	packages:
//	  dir: ./packages
//	  whitelist: { packages: [], actions: [] }
//	pool:
//	  minProcesses: 0
//	  maxProcesses: 4
//	  reuseProcess: true
//	  waiterQueueDepth: 16
//	  idleTTL: 5m
//	  readyTimeout: 30s
//	  cancelGrace: 5s
//	worker: { command: "python3 -m action_server_worker --env $env_dir" }
//	builder: { command: "" }
//	watcher: { enabled: true, debounce: 500ms }
//	hook: { postRunCommand: "", timeout: 30s }
//	callback: { retries: 3, timeout: 10s }
//	guardian: { parentPID: 0 }
//
// Durations accept Go duration strings ("500ms", "5m") or bare integers
// interpreted as seconds.
//
// # Environment Overrides
//
//   - ACTION_SERVER_HOME: data directory
//   - ACTION_SERVER_POST_RUN_CMD: post-run hook command template
//   - ACTION_SERVER_PARENT_PID: parent-PID guardian target
//   - ACTION_SERVER_OPTIMIZE_FOR_CONTAINER: container mode flag
//   - ACTION_SERVER_DECRYPT_KEYS: envelope decrypt keys (read by the
//     envelope codec, not by this package)
//
// LoadConfig validates the result; a configuration the server cannot run
// with fails fast with the full list of offending fields.
package config
