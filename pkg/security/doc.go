/*
Package security enforces the zero-trust policy layer: permission validation,
token-bucket rate limiting, risk assessment, session management, IP blocking,
and append-only audit logging.

Every policy decision produces an audit entry and a "security.audit" event;
denials are published at elevated priority. Rate limiting is a per-identifier
token bucket refilled continuously at max_requests_per_hour/3600 tokens per
second; exhausting the bucket raises the identifier's threat score, which in
turn feeds risk assessment.

Risk assessment scores a task from its required permissions and the caller's
posture, then maps the score to a level: >= 0.8 critical, >= 0.6 high,
>= 0.3 medium, below that low. High and critical tasks require approval.
*/
package security
