// Package agentlink is a protocol-agnostic client runtime for remote
// agents. It discovers agents through agent cards, talks to them over
// JSON-RPC 2.0 or JSON-REST, and manages their lifecycle: connections,
// task submission, subscriptions, streaming, delegation and batching.
//
// # Packages
//
//   - pkg/a2a: protocol vocabulary shared by every layer (agent cards,
//     tasks, messages, updates)
//   - pkg/transport: JSON-RPC and REST wire transports with auth
//     injection and per-request deadlines
//   - pkg/resolver: agent-card discovery strategies with multi-resolver
//     fallback
//   - pkg/runtime: protocol runtimes (A2A, AgentArea), the runtime
//     factory/manager and the lazy fingerprint-keyed runtime cache
//   - pkg/batch: priority-tiered outbound message batching
//   - pkg/config, pkg/logger: YAML configuration loading and slog setup
//
// # Quick start
//
//	factory := runtime.NewFactory(slog.Default())
//	rt, err := factory.Create(a2a.ProtocolA2A, runtime.Config{
//		Endpoint: "https://agent.example.com",
//		Auth:     transport.AuthConfig{Type: transport.AuthBearer, Token: token},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if _, err := rt.Connect(ctx); err != nil {
//		log.Fatal(err)
//	}
//	task, err := rt.SubmitTask(ctx, &a2a.TaskInput{
//		Message: a2a.NewUserMessage("summarize the quarterly report"),
//	})
package agentlink
