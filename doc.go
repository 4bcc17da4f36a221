// Package flotilla is a multi-agent orchestration runtime.
//
// Flotilla routes chat requests across a fleet of worker nodes, each
// fronting an LLM provider. The runtime keeps durable conversation
// history, shapes long conversations back under the model's context
// budget, enforces per-node quotas, and checkpoints history so any
// conversation can be rolled back to an earlier state.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/flotilla-ai/flotilla/cmd/flotilla@latest
//
// Write a minimal configuration:
//
//	history:
//	  driver: sqlite
//	  dsn: .flotilla/history.db
//
//	llms:
//	  default:
//	    api_key: "${OPENAI_API_KEY}"
//	    model: "gpt-4o-mini"
//
//	quota:
//	  requests_per_minute: 120
//	  tokens_per_day: 1000000
//	  concurrent_streams: 4
//
// Start the server:
//
//	flotilla serve --config flotilla.yaml
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/flotilla-ai/flotilla/pkg/runtime"
//	    "github.com/flotilla-ai/flotilla/pkg/orchestrator"
//	    "github.com/flotilla-ai/flotilla/pkg/fleet"
//	)
//
// Build a runtime from config and drive the orchestrator directly, or
// wrap it with pkg/server for the HTTP surface.
//
// # Architecture
//
//	Client → Server → Orchestrator → Fleet → Nodes (LLM providers)
//	                     │
//	                     ├─ Session registry and durable history (SQL)
//	                     ├─ Context manager (truncate / prune / compact)
//	                     ├─ Quota controller (RPM, daily tokens, streams)
//	                     └─ Checkpoints with rollback
//
// Node lifecycle, task dispatch, and stream progress are published on an
// in-process event bus that any component can subscribe to.
package flotilla
