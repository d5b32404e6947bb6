// Package logging provides structured, redacting logging for the agent
// factory.
//
// # Overview
//
// The package wraps Zap with:
//   - Custom Trace level (-2, below Debug) for prompt payloads
//   - Dual output (stdout + OpenTelemetry via the otelzap bridge)
//   - Automatic context field injection (trace_id, correlation.id,
//     actor.id, specification.id)
//   - Defense-in-depth redaction: a key deny-list plus pattern scrubbing
//     of credential- and PII-shaped values (emails, SSNs, phone numbers)
//   - Level-aware sampling (errors never sampled)
//
// Emission never fails the pipeline: internal logging failures are
// recovered and reduced to a minimal stderr fallback line.
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, otelProvider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithCorrelationID(ctx, uuid.NewString())
//	ctx = logging.WithActorID(ctx, "dashboard-user-42")
//	logger.Info(ctx, "phase completed", zap.String("phase", "clarification"))
//
// Audit events carry a recursively redacted context map:
//
//	logger.Audit(ctx, "specification.created", map[string]any{
//	    "creator": "ops@example.com", // scrubbed by pattern
//	    "name":    "Audience Bot",
//	})
//
// # Redaction
//
// Secrets and PII are redacted at multiple layers:
//  1. Domain primitives (config.Secret type)
//  2. Encoder-level field name filtering
//  3. Encoder-level pattern matching
//  4. RedactMap for nested audit contexts
//
// # Concurrency Safety
//
// Logger is safe for concurrent use. Child loggers (With, Named) are
// independent and do not affect parent or siblings.
package logging
