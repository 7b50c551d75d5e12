// Package rlmrs provides a recursive language model runtime service.
//
// rlmrs executes long-context question answering as a sequence of short,
// model-written code steps. Instead of stuffing an entire corpus into a
// single prompt, a root model iteratively writes small snippets that slice
// parsed documents lazily, queue sub-LLM and search calls, accumulate JSON
// state across turns, and finish with an answer whose supporting spans are
// independently verifiable.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/rlmrs/rlmrs/cmd/rlmrs@latest
//
// Create a configuration:
//
//	storage:
//	  metadata:
//	    driver: "sqlite"
//	    dsn: "rlmrs.db"
//	  object:
//	    driver: "fs"
//	    root: "./objects"
//
//	providers:
//	  llm:
//	    default:
//	      type: "anthropic"
//	      model: "claude-sonnet-4-5"
//	      api_key: "${ANTHROPIC_API_KEY}"
//
// Start the server:
//
//	rlmrs serve --config rlmrs.yaml
//
// # Using as Go Library
//
// Import specific packages:
//
//	import (
//	    "github.com/rlmrs/rlmrs/pkg/orchestrator"
//	    "github.com/rlmrs/rlmrs/pkg/session"
//	    "github.com/rlmrs/rlmrs/pkg/sandbox"
//	)
//
// # Key Features
//
//   - Lazy corpus views: documents are sliced by character range on demand,
//     never loaded wholesale into prompts
//   - Sandboxed step execution with a static source policy and hard budgets
//   - Sub-LLM and search tool calls resolved outside the sandbox with
//     content-addressed caching
//   - Span-log driven citations with checksummed, re-verifiable SpanRefs
//   - Durable executions: JSON state snapshots, optimistic leases, and
//     gzipped trace artifacts
//
// # Architecture
//
//	Driver → Orchestrator → Sandbox Step → Tool Resolver → Providers
//	             │                │
//	         State Store      Corpus Views → Object Store
//
// # Alpha Status
//
// rlmrs is currently in alpha development. APIs may change, and some
// features are experimental.
package rlmrs
