// Package gateway is the HTTP and websocket boundary of biblechat.
//
// Routes:
//
//	POST   /explicar       {"pergunta"} -> {"resposta","sessionId"}
//	DELETE /sessions/:id   drop a conversation
//	GET    /ws             one question per frame, session remembered per connection
//	GET    /healthz        liveness and session count
//	GET    /metrics        Prometheus
//
// The session id travels in the X-Session-Id header on both requests and
// responses. Blank questions are rejected before they reach the orchestrator.
package gateway
