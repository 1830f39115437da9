package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/skeinlabs/skein/pkg/config"
	"github.com/skeinlabs/skein/pkg/events"
	"github.com/skeinlabs/skein/pkg/log"
	"github.com/skeinlabs/skein/pkg/metrics"
	"github.com/skeinlabs/skein/pkg/types"
)

// Sentinel errors for policy denials
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrIPBlocked        = errors.New("ip blocked")
	ErrSessionInvalid   = errors.New("session invalid")
)

// PermissionResult reports a permission check
type PermissionResult struct {
	Valid   bool                    `json:"valid"`
	Missing []types.PermissionScope `json:"missing_permissions"`
}

// RateLimitResult reports a rate limit decision
type RateLimitResult struct {
	Allowed         bool    `json:"allowed"`
	Reason          string  `json:"reason,omitempty"`
	TokensRemaining float64 `json:"tokens_remaining"`
	Limit           int     `json:"limit"`
	RetryAfter      int     `json:"retry_after_seconds,omitempty"`
}

// RiskResult reports a risk assessment
type RiskResult struct {
	Level            types.RiskLevel `json:"risk_level"`
	Score            float64         `json:"risk_score"`
	Factors          []string        `json:"factors"`
	RequiresApproval bool            `json:"requires_approval"`
}

// SessionResult reports session creation or verification
type SessionResult struct {
	Valid     bool      `json:"valid"`
	SessionID string    `json:"session_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// AuditFilter narrows an audit log query. Zero fields match everything.
type AuditFilter struct {
	UserID string
	Action string
	After  time.Time
	Before time.Time
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// Service is the security policy engine. All state is in-process.
type Service struct {
	mu           sync.Mutex
	buckets      map[string]*tokenBucket
	blockedIPs   map[string]bool
	sessions     map[string]*types.SecurityContext
	auditLog     []types.AuditEntry
	threatScores map[string]float64

	maxRequestsPerHour int
	threatThreshold    float64
	sessionTimeout     time.Duration

	bus    *events.Bus
	logger zerolog.Logger
}

// NewService creates a security service publishing audit events on bus
func NewService(cfg config.SecurityConfig, bus *events.Bus) *Service {
	return &Service{
		buckets:            make(map[string]*tokenBucket),
		blockedIPs:         make(map[string]bool),
		sessions:           make(map[string]*types.SecurityContext),
		threatScores:       make(map[string]float64),
		maxRequestsPerHour: cfg.MaxRequestsPerHour,
		threatThreshold:    cfg.ThreatThreshold,
		sessionTimeout:     time.Duration(cfg.SessionTimeout) * time.Second,
		bus:                bus,
		logger:             log.WithComponent("security"),
	}
}

// ValidatePermissions checks that the context holds every permission the node
// requires. The decision is audited and published either way.
func (s *Service) ValidatePermissions(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) PermissionResult {
	var missing []types.PermissionScope
	for _, required := range node.RequiredPermissions {
		if !sc.HasScope(required) {
			missing = append(missing, required)
		}
	}
	allowed := len(missing) == 0

	s.audit(ctx, sc, "permission_check", node.NodeID, allowed, map[string]any{
		"required": node.RequiredPermissions,
		"allowed":  sc.AllowedScopes,
		"missing":  missing,
	})

	priority := 0
	if !allowed {
		priority = 1
		metrics.PermissionDenials.WithLabelValues("missing_scope").Inc()
	}
	event := types.NewEvent("security.permission_check", "security", map[string]any{
		"node_id":             node.NodeID,
		"allowed":             allowed,
		"missing_permissions": missing,
	})
	event.Priority = priority
	s.publish(ctx, event)

	return PermissionResult{Valid: allowed, Missing: missing}
}

// CheckRateLimit consumes one token from the caller's bucket. A blocked IP is
// rejected before any token accounting; an empty bucket raises the caller's
// threat score and reports when to retry.
func (s *Service) CheckRateLimit(ctx context.Context, sc *types.SecurityContext) RateLimitResult {
	identifier := s.identifier(sc)

	s.mu.Lock()
	if sc.OriginIP != "" && s.blockedIPs[sc.OriginIP] {
		s.mu.Unlock()
		metrics.RateLimitRejections.Inc()
		return RateLimitResult{Allowed: false, Reason: "ip_blocked", Limit: s.maxRequestsPerHour}
	}

	now := time.Now().UTC()
	bucket, ok := s.buckets[identifier]
	if !ok {
		bucket = &tokenBucket{tokens: float64(s.maxRequestsPerHour), lastRefill: now}
		s.buckets[identifier] = bucket
	} else {
		refillRate := float64(s.maxRequestsPerHour) / 3600.0
		bucket.tokens += now.Sub(bucket.lastRefill).Seconds() * refillRate
		if bucket.tokens > float64(s.maxRequestsPerHour) {
			bucket.tokens = float64(s.maxRequestsPerHour)
		}
		bucket.lastRefill = now
	}

	if bucket.tokens < 1.0 {
		s.threatScores[identifier] += 0.05
		remaining := bucket.tokens
		s.mu.Unlock()

		metrics.RateLimitRejections.Inc()
		s.audit(ctx, sc, "rate_limit_exceeded", identifier, false, map[string]any{
			"tokens_remaining": remaining,
		})

		refillRate := float64(s.maxRequestsPerHour) / 3600.0
		return RateLimitResult{
			Allowed:         false,
			Reason:          "rate_limit_exceeded",
			TokensRemaining: remaining,
			Limit:           s.maxRequestsPerHour,
			RetryAfter:      int((1.0 - remaining) / refillRate),
		}
	}

	bucket.tokens -= 1.0
	sc.RateLimitRemaining = int(bucket.tokens)
	remaining := bucket.tokens
	s.mu.Unlock()

	return RateLimitResult{Allowed: true, TokensRemaining: remaining, Limit: s.maxRequestsPerHour}
}

// AssessRisk scores a task from its required permissions and the caller's
// posture, then maps the score to a level.
func (s *Service) AssessRisk(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) RiskResult {
	score := 0.0
	var factors []string

	for _, perm := range node.RequiredPermissions {
		switch perm {
		case types.ScopeAdmin:
			score += 0.3
			factors = append(factors, "admin_access")
		case types.ScopeDelete:
			score += 0.2
			factors = append(factors, "delete_permission")
		case types.ScopeExecute:
			score += 0.15
			factors = append(factors, "execute_permission")
		}
	}

	identifier := s.identifier(sc)
	s.mu.Lock()
	if threat, ok := s.threatScores[identifier]; ok && threat > 0 {
		score += threat * 0.3
		factors = append(factors, "threat_history")
	}
	s.mu.Unlock()

	if !sc.IsAuthenticated {
		score += 0.2
		factors = append(factors, "unauthenticated")
	} else if !sc.MFAVerified {
		score += 0.1
		factors = append(factors, "no_mfa")
	}

	var level types.RiskLevel
	switch {
	case score >= 0.8:
		level = types.RiskCritical
	case score >= 0.6:
		level = types.RiskHigh
	case score >= 0.3:
		level = types.RiskMedium
	default:
		level = types.RiskLow
	}

	s.audit(ctx, sc, "risk_assessment", node.NodeID, true, map[string]any{
		"risk_level": level,
		"risk_score": score,
		"factors":    factors,
	})

	return RiskResult{
		Level:            level,
		Score:            score,
		Factors:          factors,
		RequiresApproval: level == types.RiskHigh || level == types.RiskCritical,
	}
}

// CreateSession issues a new session id and binds it to the context
func (s *Service) CreateSession(ctx context.Context, sc *types.SecurityContext) (SessionResult, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return SessionResult{}, err
	}
	sessionID := base64.URLEncoding.EncodeToString(raw)
	expiresAt := time.Now().UTC().Add(s.sessionTimeout)

	sc.SessionID = sessionID
	sc.ExpiresAt = &expiresAt

	s.mu.Lock()
	s.sessions[sessionID] = sc
	s.mu.Unlock()

	s.audit(ctx, sc, "session_created", sessionID, true, map[string]any{
		"expires_at": expiresAt,
	})

	return SessionResult{Valid: true, SessionID: sessionID, ExpiresAt: expiresAt}, nil
}

// VerifySession checks that the context's session exists and has not expired.
// Expired sessions are evicted on sight.
func (s *Service) VerifySession(ctx context.Context, sc *types.SecurityContext) SessionResult {
	s.mu.Lock()
	session, ok := s.sessions[sc.SessionID]
	if !ok {
		s.mu.Unlock()
		return SessionResult{Valid: false, Reason: "session_not_found"}
	}
	if session.ExpiresAt != nil && time.Now().UTC().After(*session.ExpiresAt) {
		delete(s.sessions, sc.SessionID)
		s.mu.Unlock()
		return SessionResult{Valid: false, Reason: "session_expired"}
	}
	expiresAt := *session.ExpiresAt
	s.mu.Unlock()

	return SessionResult{Valid: true, SessionID: sc.SessionID, ExpiresAt: expiresAt}
}

// RecordTaskAudit appends an audit entry for a task execution
func (s *Service) RecordTaskAudit(ctx context.Context, node *types.TaskNode, sc *types.SecurityContext) {
	s.audit(ctx, sc, "task_execution", node.NodeID, true, map[string]any{
		"agent_type": node.AgentType,
		"status":     node.Status,
	})
}

// AuditLogs returns audit entries matching the filter
func (s *Service) AuditLogs(filter AuditFilter) []types.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.AuditEntry
	for _, entry := range s.auditLog {
		if filter.UserID != "" && entry.UserID != filter.UserID {
			continue
		}
		if filter.Action != "" && entry.Action != filter.Action {
			continue
		}
		if !filter.After.IsZero() && entry.Timestamp.Before(filter.After) {
			continue
		}
		if !filter.Before.IsZero() && entry.Timestamp.After(filter.Before) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// BlockIP denies all requests from the address until unblocked
func (s *Service) BlockIP(ip string) {
	s.mu.Lock()
	s.blockedIPs[ip] = true
	s.mu.Unlock()
	s.logger.Warn().Str("ip", ip).Msg("blocked ip")
}

// UnblockIP lifts a block
func (s *Service) UnblockIP(ip string) {
	s.mu.Lock()
	delete(s.blockedIPs, ip)
	s.mu.Unlock()
	s.logger.Info().Str("ip", ip).Msg("unblocked ip")
}

// ThreatScore returns the accumulated threat score for an identifier
func (s *Service) ThreatScore(identifier string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threatScores[identifier]
}

// ResetThreatScore clears the score for an identifier
func (s *Service) ResetThreatScore(identifier string) {
	s.mu.Lock()
	delete(s.threatScores, identifier)
	s.mu.Unlock()
	s.logger.Info().Str("identifier", identifier).Msg("reset threat score")
}

// Snapshot summarizes security state for monitoring
type Snapshot struct {
	ActiveSessions  int `json:"active_sessions"`
	BlockedIPs      int `json:"blocked_ips"`
	AuditLogEntries int `json:"audit_log_entries"`
	HighThreatUsers int `json:"high_threat_users"`
	RateBuckets     int `json:"rate_buckets"`
}

// Metrics returns a snapshot of security counters
func (s *Service) Metrics() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	highThreat := 0
	for _, score := range s.threatScores {
		if score >= s.threatThreshold {
			highThreat++
		}
	}
	return Snapshot{
		ActiveSessions:  len(s.sessions),
		BlockedIPs:      len(s.blockedIPs),
		AuditLogEntries: len(s.auditLog),
		HighThreatUsers: highThreat,
		RateBuckets:     len(s.buckets),
	}
}

func (s *Service) identifier(sc *types.SecurityContext) string {
	if sc.UserID != "" {
		return sc.UserID
	}
	if sc.OriginIP != "" {
		return sc.OriginIP
	}
	return "anonymous"
}

// audit appends an entry, stamps the context's trail, and publishes a
// security.audit event (elevated priority for denials).
func (s *Service) audit(ctx context.Context, sc *types.SecurityContext, action, resource string, allowed bool, details map[string]any) {
	entry := types.AuditEntry{
		Timestamp:       time.Now().UTC(),
		SessionID:       sc.SessionID,
		UserID:          sc.UserID,
		OriginIP:        sc.OriginIP,
		Action:          action,
		Resource:        resource,
		Allowed:         allowed,
		Details:         details,
		IsAuthenticated: sc.IsAuthenticated,
		MFAVerified:     sc.MFAVerified,
	}

	s.mu.Lock()
	s.auditLog = append(s.auditLog, entry)
	s.mu.Unlock()

	verdict := "denied"
	if allowed {
		verdict = "allowed"
	}
	sc.AuditTrail = append(sc.AuditTrail, action+":"+resource+":"+verdict)

	priority := 0
	if !allowed {
		priority = 1
	}
	event := types.NewEvent("security.audit", "security", map[string]any{
		"action":   action,
		"resource": resource,
		"allowed":  allowed,
		"user_id":  sc.UserID,
		"details":  details,
	})
	event.Priority = priority
	s.publish(ctx, event)

	s.logger.Info().Str("action", action).Str("resource", resource).Bool("allowed", allowed).Msg("audit")
}

func (s *Service) publish(ctx context.Context, event *types.Event) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("event_type", event.EventType).Msg("failed to publish security event")
	}
}
