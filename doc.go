// Package hive is a runtime for goal-driven agents whose behavior is a
// directed graph of nodes: LLM calls, tool use, functions, routers,
// human-in-the-loop pauses, and sub-graphs.
//
// The graph package loads and validates graph specs and executes them
// with conditional edges, loops with visit budgets, and parallel
// fan-out/fan-in. The runtime package layers execution streams with
// concurrency budgets over the executor, with pause/resume through
// durable checkpoints (store and its backends), scoped shared state
// (state), a typed event stream (eventbus), MCP-backed tools (mcp,
// tool), and pluggable LLM providers (llm).
//
// See cmd/hive for the command line entry point and examples/ for
// runnable programs.
package hive
