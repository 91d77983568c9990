// Package fathom is a deep-agent orchestration runtime: it composes an
// LLM-driven lead reasoner with a persistent TODO list, a virtual scratch
// filesystem, and a pool of delegatable sub-agents, and drives the whole
// thing through a reason-act loop against a model provider.
//
// The core contract is ordering. Assistant tool-use blocks and the tool
// results answering them must match by id, one to one, in the order the
// model emitted them, even though the handlers themselves run in parallel.
// Everything else (planning tools, the virtual filesystem, sub-agent
// delegation, session persistence) is built on top of that guarantee.
//
// # Quick Start
//
//	client, err := anthropic.NewFromAPIKey(os.Getenv("ANTHROPIC_API_KEY"), "claude-sonnet-4-5")
//	if err != nil { ... }
//	agent, err := fathom.New("You are a research assistant.", client,
//		fathom.WithTools(searchTool),
//		fathom.WithSubAgents(fathom.SubAgentSpec{
//			Name:        "critic",
//			Description: "Reviews drafts and points out weaknesses.",
//			Prompt:      "You critique drafts ruthlessly but constructively.",
//		}),
//	)
//	res, err := agent.Invoke(ctx, "Compare the two proposals in notes.md")
//
// Model providers live in model/anthropic and model/bedrock. Session
// persistence backends live in session/file, session/sqlite, and
// session/postgres. OTEL wiring lives in observer.
package fathom
