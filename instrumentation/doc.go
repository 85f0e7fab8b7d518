// Package instrumentation provides OpenTelemetry metrics and tracing for the
// Instana MCP authentication flows.
//
// All recording helpers are nil-safe: a nil *Instrumentation records nothing,
// so components can be used without any observability wiring.
//
// Metric names:
//
//	instana_auth.authorization.started
//	instana_auth.callback.processed     {result}
//	instana_auth.code.exchanged         {result}
//	instana_auth.token.refreshed        {result}
//	instana_auth.token.revoked
//	instana_auth.credential.resolved    {source, result}
//	instana_auth.dynamic.acquired       {strategy, result}
//	instana_auth.upstream.duration (ms) {operation}
//
// SECURITY: never attach tokens, codes or secrets as attributes. Only metadata
// such as the credential source, the strategy name or the outcome.
package instrumentation
