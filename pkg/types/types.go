package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task node
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSuccess   TaskStatus = "success"
	TaskStatusRetry     TaskStatus = "retry"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusEscalated TaskStatus = "escalated"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusTimeout   TaskStatus = "timeout"
)

// Terminal reports whether the status is a terminal state
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusCancelled, TaskStatusTimeout:
		return true
	}
	return false
}

// AgentType identifies the handler kind a node is routed to
type AgentType string

const (
	AgentPlanner        AgentType = "PlannerAgent"
	AgentResearch       AgentType = "ResearchAgent"
	AgentCode           AgentType = "CodeAgent"
	AgentDevOps         AgentType = "DevOpsAgent"
	AgentBrowser        AgentType = "BrowserAgent"
	AgentShell          AgentType = "ShellAgent"
	AgentFileSystem     AgentType = "FileSystemAgent"
	AgentAPI            AgentType = "APIAgent"
	AgentDataProcessing AgentType = "DataProcessingAgent"
	AgentScheduler      AgentType = "SchedulerAgent"
	AgentMemory         AgentType = "MemoryAgent"
	AgentValidation     AgentType = "ValidationAgent"
	AgentMonitor        AgentType = "MonitorAgent"
	AgentSecurity       AgentType = "SecurityAgent"
	AgentNotifier       AgentType = "NotifierAgent"
	AgentDatabase       AgentType = "DatabaseAgent"
	AgentML             AgentType = "MLAgent"
)

// ExecutionMode selects how a graph's nodes are dispatched
type ExecutionMode string

const (
	ModeSequential  ExecutionMode = "sequential"
	ModeParallel    ExecutionMode = "parallel"
	ModeDistributed ExecutionMode = "distributed"
	ModeStreaming   ExecutionMode = "streaming"
)

// RiskLevel classifies a graph or request
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// PermissionScope is a capability a node may require and a context may hold
type PermissionScope string

const (
	ScopeRead     PermissionScope = "read"
	ScopeWrite    PermissionScope = "write"
	ScopeExecute  PermissionScope = "execute"
	ScopeDelete   PermissionScope = "delete"
	ScopeAdmin    PermissionScope = "admin"
	ScopeNetwork  PermissionScope = "network"
	ScopeSecret   PermissionScope = "secret"
	ScopeDatabase PermissionScope = "database"
)

// RetryStrategy selects the delay curve between attempts
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential_backoff"
	RetryFibonacci   RetryStrategy = "fibonacci"
	RetryAdaptive    RetryStrategy = "adaptive"
)

// RetryConfig controls retry behavior for a task node
type RetryConfig struct {
	MaxRetries        int           `json:"max_retries"`
	Strategy          RetryStrategy `json:"strategy"`
	InitialDelay      float64       `json:"initial_delay_seconds"`
	MaxDelay          float64       `json:"max_delay_seconds"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            bool          `json:"jitter"`
}

// DefaultRetryConfig returns the standard retry policy
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		Strategy:          RetryExponential,
		InitialDelay:      1.0,
		MaxDelay:          60.0,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// TaskNode is a single unit of work in a graph
type TaskNode struct {
	NodeID              string            `json:"node_id"`
	Name                string            `json:"name,omitempty"`
	Description         string            `json:"description,omitempty"`
	AgentType           AgentType         `json:"agent_type"`
	Dependencies        []string          `json:"dependencies,omitempty"`
	RequiredPermissions []PermissionScope `json:"required_permissions,omitempty"`
	ValidationRule      string            `json:"validation_rule,omitempty"`
	InputData           map[string]any    `json:"input_data,omitempty"`
	OutputData          map[string]any    `json:"output_data,omitempty"`
	Status              TaskStatus        `json:"status"`
	Retries             int               `json:"retries"`
	RetryConfig         RetryConfig       `json:"retry_config"`
	ErrorLog            []string          `json:"error_log,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	ExecutionTimeMS     float64           `json:"execution_time_ms,omitempty"`
	TimeoutSeconds      int               `json:"timeout_seconds"`
	Priority            int               `json:"priority"`
	Tags                []string          `json:"tags,omitempty"`
}

// NewTaskNode creates a node with generated id and defaults
func NewTaskNode(name string, agentType AgentType) *TaskNode {
	return &TaskNode{
		NodeID:         uuid.NewString()[:8],
		Name:           name,
		AgentType:      agentType,
		Status:         TaskStatusPending,
		RetryConfig:    DefaultRetryConfig(),
		CreatedAt:      time.Now().UTC(),
		TimeoutSeconds: 300,
	}
}

// TaskGraph is a DAG of task nodes
type TaskGraph struct {
	GraphID          string               `json:"graph_id"`
	GoalSummary      string               `json:"goal_summary,omitempty"`
	RiskLevel        RiskLevel            `json:"risk_level"`
	Nodes            map[string]*TaskNode `json:"nodes"`
	CreatedAt        time.Time            `json:"created_at"`
	Status           TaskStatus           `json:"status"`
	ExecutionMode    ExecutionMode        `json:"execution_mode"`
	MaxParallelTasks int                  `json:"max_parallel_tasks"`
}

// NewTaskGraph creates an empty graph with defaults
func NewTaskGraph(goal string) *TaskGraph {
	return &TaskGraph{
		GraphID:          uuid.NewString(),
		GoalSummary:      goal,
		RiskLevel:        RiskLow,
		Nodes:            make(map[string]*TaskNode),
		CreatedAt:        time.Now().UTC(),
		Status:           TaskStatusPending,
		ExecutionMode:    ModeSequential,
		MaxParallelTasks: 5,
	}
}

// AddNode adds a node to the graph
func (g *TaskGraph) AddNode(node *TaskNode) {
	g.Nodes[node.NodeID] = node
}

// ReadyNodes returns pending nodes whose dependencies are all successful,
// sorted by priority descending
func (g *TaskGraph) ReadyNodes() []*TaskNode {
	var ready []*TaskNode
	for _, node := range g.Nodes {
		if node.Status != TaskStatusPending {
			continue
		}
		depsMet := true
		for _, dep := range node.Dependencies {
			depNode, ok := g.Nodes[dep]
			if !ok || depNode.Status != TaskStatusSuccess {
				depsMet = false
				break
			}
		}
		if depsMet {
			ready = append(ready, node)
		}
	}
	sortNodesByPriority(ready)
	return ready
}

// sortNodesByPriority orders nodes by priority descending, node id ascending
// as a stable tiebreak
func sortNodesByPriority(nodes []*TaskNode) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0; j-- {
			a, b := nodes[j-1], nodes[j]
			if b.Priority > a.Priority || (b.Priority == a.Priority && b.NodeID < a.NodeID) {
				nodes[j-1], nodes[j] = b, a
			} else {
				break
			}
		}
	}
}

// Validate checks that every dependency exists and the graph is acyclic.
// Cycle detection is DFS with color marking over forward edges.
func (g *TaskGraph) Validate() error {
	if g.MaxParallelTasks < 1 {
		return fmt.Errorf("max_parallel_tasks must be >= 1, got %d", g.MaxParallelTasks)
	}

	next := make(map[string][]string, len(g.Nodes))
	for id, node := range g.Nodes {
		for _, dep := range node.Dependencies {
			if _, ok := g.Nodes[dep]; !ok {
				return fmt.Errorf("node %s depends on unknown node %s", id, dep)
			}
			next[dep] = append(next[dep], id)
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(g.Nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		for _, succ := range next[id] {
			switch colors[succ] {
			case gray:
				return true
			case white:
				if visit(succ) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for id := range g.Nodes {
		if colors[id] == white {
			if visit(id) {
				return fmt.Errorf("graph %s contains a dependency cycle", g.GraphID)
			}
		}
	}
	return nil
}

// Done reports whether every node has reached a terminal state
func (g *TaskGraph) Done() bool {
	for _, node := range g.Nodes {
		if !node.Status.Terminal() {
			return false
		}
	}
	return true
}

// NodeError records a single node failure in a graph result
type NodeError struct {
	NodeID    string    `json:"node_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionLog records one node execution for the graph's result
type ExecutionLog struct {
	LogID        string         `json:"log_id"`
	GraphID      string         `json:"graph_id"`
	NodeID       string         `json:"node_id"`
	AgentType    AgentType      `json:"agent_type"`
	Action       string         `json:"action"`
	Status       TaskStatus     `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	DurationMS   float64        `json:"duration_ms"`
}

// GraphResult is the caller-visible outcome of one orchestration
type GraphResult struct {
	GraphID        string          `json:"graph_id"`
	Goal           string          `json:"goal"`
	Status         string          `json:"status"` // success, partial_failure, failed
	RiskLevel      RiskLevel       `json:"risk_level"`
	CompletedNodes []string        `json:"completed_nodes"`
	TotalNodes     int             `json:"total_nodes"`
	Errors         []NodeError     `json:"errors"`
	ExecutionLog   []*ExecutionLog `json:"execution_log"`
	ExecutionTime  float64         `json:"execution_time_seconds"`
	ExecutionMode  ExecutionMode   `json:"execution_mode,omitempty"`
}

// StreamingUpdate is a real-time progress notification for a running graph
type StreamingUpdate struct {
	UpdateID   string         `json:"update_id"`
	GraphID    string         `json:"graph_id"`
	NodeID     string         `json:"node_id"`
	UpdateType string         `json:"update_type"` // progress, output, error, status
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Sequence   int            `json:"sequence"`
}

// SecurityContext is the per-request security envelope
type SecurityContext struct {
	SessionID          string            `json:"session_id"`
	UserID             string            `json:"user_id"`
	OriginIP           string            `json:"origin_ip,omitempty"`
	AllowedScopes      []PermissionScope `json:"allowed_scopes,omitempty"`
	IsAuthenticated    bool              `json:"is_authenticated"`
	MFAVerified        bool              `json:"mfa_verified"`
	RateLimitRemaining int               `json:"rate_limit_remaining"`
	CreatedAt          time.Time         `json:"created_at"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty"`
	AuditTrail         []string          `json:"audit_trail,omitempty"`
}

// NewSecurityContext creates a context with a generated session id
func NewSecurityContext(userID string) *SecurityContext {
	return &SecurityContext{
		SessionID:          uuid.NewString(),
		UserID:             userID,
		RateLimitRemaining: 100,
		CreatedAt:          time.Now().UTC(),
	}
}

// HasScope reports whether the context holds the given permission
func (c *SecurityContext) HasScope(scope PermissionScope) bool {
	for _, s := range c.AllowedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AuditEntry is an append-only record of one policy decision
type AuditEntry struct {
	Timestamp       time.Time      `json:"timestamp"`
	SessionID       string         `json:"session_id"`
	UserID          string         `json:"user_id"`
	OriginIP        string         `json:"origin_ip,omitempty"`
	Action          string         `json:"action"`
	Resource        string         `json:"resource"`
	Allowed         bool           `json:"allowed"`
	Details         map[string]any `json:"details,omitempty"`
	IsAuthenticated bool           `json:"is_authenticated"`
	MFAVerified     bool           `json:"mfa_verified"`
}

// MemoryRecord is one stored execution memory
type MemoryRecord struct {
	RecordID      string         `json:"record_id"`
	Category      string         `json:"category"`
	GoalSummary   string         `json:"goal_summary"`
	GraphSnapshot map[string]any `json:"graph_snapshot,omitempty"`
	ExecutionLogs []any          `json:"execution_logs,omitempty"`
	Errors        []any          `json:"errors,omitempty"`
	ContextTags   []string       `json:"context_tags,omitempty"`
	AccessCount   int            `json:"access_count"`
	LastAccessed  *time.Time     `json:"last_accessed,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	TTLHours      int            `json:"ttl_hours,omitempty"`
}

// ValidationResult reports one rule evaluation against a node's output
type ValidationResult struct {
	NodeID          string    `json:"node_id"`
	Rule            string    `json:"rule"`
	Passed          bool      `json:"passed"`
	Expected        any       `json:"expected,omitempty"`
	Actual          any       `json:"actual,omitempty"`
	Message         string    `json:"message"`
	Timestamp       time.Time `json:"timestamp"`
	ConfidenceScore float64   `json:"confidence_score"`
	Suggestions     []string  `json:"suggestions,omitempty"`
	AutoFixable     bool      `json:"auto_fixable"`
}
