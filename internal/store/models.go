package store

// Timestamps throughout are milliseconds since the Unix epoch.

// Role is a worker's behavioral role. Roles gate which supervisor
// operations a worker may invoke.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleWorker      Role = "worker"
	RoleScout       Role = "scout"
	RoleKraken      Role = "kraken"
	RoleOracle      Role = "oracle"
	RoleCritic      Role = "critic"
	RoleArchitect   Role = "architect"
	RoleMerger      Role = "merger"
	RoleMonitor     Role = "monitor"
	RoleNotifier    Role = "notifier"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleCoordinator, RoleWorker, RoleScout, RoleKraken, RoleOracle,
		RoleCritic, RoleArchitect, RoleMerger, RoleMonitor, RoleNotifier:
		return true
	}
	return false
}

// WorkerState is a worker's lifecycle state. Dismissed is terminal.
type WorkerState string

const (
	StateStarting  WorkerState = "starting"
	StateReady     WorkerState = "ready"
	StateWorking   WorkerState = "working"
	StateStopping  WorkerState = "stopping"
	StateStopped   WorkerState = "stopped"
	StateDismissed WorkerState = "dismissed"
)

// Terminal reports whether the state admits no further transitions
// for handle-uniqueness purposes.
func (s WorkerState) Terminal() bool { return s == StateDismissed }

// Health is the supervisor's assessment of a worker.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// SpawnMode selects how a worker's external process is launched.
type SpawnMode string

const (
	SpawnModeProcess  SpawnMode = "process"  // claude CLI child with piped stdio
	SpawnModePTY      SpawnMode = "pty"      // claude CLI child under a pseudo-terminal
	SpawnModeExternal SpawnMode = "external" // no child process; driven over HTTP
	SpawnModeNative   SpawnMode = "native"   // in-process stub (tests, dry runs)
)

// Worker is the persisted record of a managed worker process. The
// in-memory output ring lives in the supervisor, not here.
type Worker struct {
	ID            string      `json:"id"`
	Handle        string      `json:"handle"`
	TeamName      string      `json:"teamName,omitempty"`
	Role          Role        `json:"role"`
	State         WorkerState `json:"state"`
	Health        Health      `json:"health"`
	SpawnMode     SpawnMode   `json:"spawnMode"`
	WorkingDir    string      `json:"workingDir,omitempty"`
	PID           int64       `json:"pid,omitempty"` // 0 when no child process
	SessionID     string      `json:"sessionId,omitempty"`
	WorktreePath  string      `json:"worktreePath,omitempty"`
	Branch        string      `json:"branch,omitempty"`
	SwarmID       string      `json:"swarmId,omitempty"`
	DepthLevel    int         `json:"depthLevel"`
	RestartCount  int         `json:"restartCount"`
	LastHeartbeat int64       `json:"lastHeartbeat"`
	SpawnedAt     int64       `json:"spawnedAt"`
	DismissedAt   int64       `json:"dismissedAt,omitempty"` // 0 until dismissed
}

// Agent is a registered team member with a bearer token for the HTTP API.
type Agent struct {
	ID        string `json:"id"`
	TeamName  string `json:"teamName"`
	Handle    string `json:"handle"`
	Token     string `json:"token,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// Swarm groups workers for coordination, credits, and messaging scope.
type Swarm struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MaxAgents   int    `json:"maxAgents,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// Priority orders spawn queue items and blackboard messages.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// PriorityRank maps a priority to a sortable rank (higher first).
func PriorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// SpawnStatus tracks a spawn queue item through admission.
type SpawnStatus string

const (
	SpawnPending   SpawnStatus = "pending"
	SpawnApproved  SpawnStatus = "approved"
	SpawnRejected  SpawnStatus = "rejected"
	SpawnSpawned   SpawnStatus = "spawned"
	SpawnCancelled SpawnStatus = "cancelled"
	SpawnBlocked   SpawnStatus = "blocked" // derived: blockedByCount > 0
)

// SpawnPayload carries the task description handed to the spawned worker.
type SpawnPayload struct {
	Task       string `json:"task"`
	Context    string `json:"context,omitempty"`
	Checkpoint string `json:"checkpoint,omitempty"`
}

// SpawnQueueItem is a request by an existing worker to grow the fleet.
type SpawnQueueItem struct {
	ID              string       `json:"id"`
	RequesterHandle string       `json:"requesterHandle"`
	TargetAgentType Role         `json:"targetAgentType"`
	DepthLevel      int          `json:"depthLevel"`
	Priority        Priority     `json:"priority"`
	Status          SpawnStatus  `json:"status"`
	DependsOn       []string     `json:"dependsOn,omitempty"`
	BlockedByCount  int          `json:"blockedByCount"`
	Payload         SpawnPayload `json:"payload"`
	Reason          string       `json:"reason,omitempty"` // populated on rejection
	CreatedAt       int64        `json:"createdAt"`
	ProcessedAt     int64        `json:"processedAt,omitempty"` // 0 until processed
	SpawnedWorkerID string       `json:"spawnedWorkerId,omitempty"`
}

// MessageType classifies blackboard traffic.
type MessageType string

const (
	MessageRequest    MessageType = "request"
	MessageResponse   MessageType = "response"
	MessageStatus     MessageType = "status"
	MessageDirective  MessageType = "directive"
	MessageCheckpoint MessageType = "checkpoint"
)

// BlackboardMessage is a persisted swarm coordination message.
// TargetHandle empty means broadcast. Payload is opaque to the kernel
// except for checkpoint routing.
type BlackboardMessage struct {
	ID           string      `json:"id"`
	SwarmID      string      `json:"swarmId"`
	SenderHandle string      `json:"senderHandle"`
	MessageType  MessageType `json:"messageType"`
	TargetHandle string      `json:"targetHandle,omitempty"`
	Priority     Priority    `json:"priority"`
	Payload      []byte      `json:"payload,omitempty"` // raw JSON
	ReadBy       []string    `json:"readBy,omitempty"`
	CreatedAt    int64       `json:"createdAt"`
	ArchivedAt   int64       `json:"archivedAt,omitempty"` // 0 until archived
}

// CheckpointStatus tracks a handoff through acceptance.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointAccepted CheckpointStatus = "accepted"
	CheckpointRejected CheckpointStatus = "rejected"
)

// CheckpointBody is the structured handoff snapshot between workers.
type CheckpointBody struct {
	Goal            string          `json:"goal"`
	Now             string          `json:"now"`
	Test            string          `json:"test,omitempty"`
	DoneThisSession []string        `json:"doneThisSession,omitempty"`
	Blockers        []string        `json:"blockers,omitempty"`
	Questions       []string        `json:"questions,omitempty"`
	Worked          []string        `json:"worked,omitempty"`
	Failed          []string        `json:"failed,omitempty"`
	Next            []string        `json:"next,omitempty"`
	Files           CheckpointFiles `json:"files"`
}

// CheckpointFiles lists files touched during the session.
type CheckpointFiles struct {
	Created  []string `json:"created,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

// Checkpoint is a persisted handoff between two workers.
type Checkpoint struct {
	ID         string           `json:"id"`
	FromHandle string           `json:"fromHandle"`
	ToHandle   string           `json:"toHandle"`
	Body       CheckpointBody   `json:"body"`
	Status     CheckpointStatus `json:"status"`
	CreatedAt  int64            `json:"createdAt"`
}

// Pheromone is a decaying trail deposited on a resource.
type Pheromone struct {
	ID              string  `json:"id"`
	SwarmID         string  `json:"swarmId"`
	DepositorHandle string  `json:"depositorHandle"`
	ResourceID      string  `json:"resourceId"`
	ResourceType    string  `json:"resourceType,omitempty"`
	TrailType       string  `json:"trailType"`
	Intensity       float64 `json:"intensity"`
	Metadata        string  `json:"metadata,omitempty"` // raw JSON, optional
	CreatedAt       int64   `json:"createdAt"`
}

// Belief is one agent's assertion about a subject with confidence.
type Belief struct {
	ID          string   `json:"id"`
	SwarmID     string   `json:"swarmId"`
	AgentHandle string   `json:"agentHandle"`
	Subject     string   `json:"subject"`
	BeliefType  string   `json:"beliefType,omitempty"`
	Value       string   `json:"value"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence,omitempty"`
	CreatedAt   int64    `json:"createdAt"`
	UpdatedAt   int64    `json:"updatedAt"`
}

// CreditAccount tracks an agent's balance and reputation within a swarm.
type CreditAccount struct {
	SwarmID         string  `json:"swarmId"`
	AgentHandle     string  `json:"agentHandle"`
	Balance         float64 `json:"balance"`
	ReputationScore float64 `json:"reputationScore"` // [0,1]
	TotalEarned     float64 `json:"totalEarned"`
	TaskCount       int     `json:"taskCount"`
	SuccessCount    int     `json:"successCount"`
}

// TransactionType classifies credit movements.
type TransactionType string

const (
	TxEarn    TransactionType = "earn"
	TxSpend   TransactionType = "spend"
	TxBonus   TransactionType = "bonus"
	TxPenalty TransactionType = "penalty"
)

// CreditTransaction is a single credit ledger entry.
type CreditTransaction struct {
	ID          string          `json:"id"`
	SwarmID     string          `json:"swarmId"`
	AgentHandle string          `json:"agentHandle"`
	Type        TransactionType `json:"type"`
	Amount      float64         `json:"amount"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   int64           `json:"createdAt"`
}

// ProposalStatus tracks a consensus proposal.
type ProposalStatus string

const (
	ProposalOpen   ProposalStatus = "open"
	ProposalClosed ProposalStatus = "closed"
)

// VoteMethod selects the tally algorithm.
type VoteMethod string

const (
	VoteMajority      VoteMethod = "majority"
	VoteSupermajority VoteMethod = "supermajority"
	VoteUnanimous     VoteMethod = "unanimous"
	VoteRanked        VoteMethod = "ranked"
	VoteWeighted      VoteMethod = "weighted"
)

// Proposal is a consensus decision put to a swarm vote.
type Proposal struct {
	ID             string         `json:"id"`
	SwarmID        string         `json:"swarmId"`
	ProposerHandle string         `json:"proposerHandle"`
	Topic          string         `json:"topic"`
	Options        []string       `json:"options"`
	Method         VoteMethod     `json:"method"`
	Status         ProposalStatus `json:"status"`
	Deadline       int64          `json:"deadline,omitempty"` // 0 = no deadline
	Winner         string         `json:"winner,omitempty"`
	CreatedAt      int64          `json:"createdAt"`
	ClosedAt       int64          `json:"closedAt,omitempty"`
}

// Vote is one agent's ballot on a proposal. For ranked proposals the
// value is a JSON array of options in preference order.
type Vote struct {
	ID          string  `json:"id"`
	ProposalID  string  `json:"proposalId"`
	VoterHandle string  `json:"voterHandle"`
	Value       string  `json:"value"`
	Weight      float64 `json:"weight"`
	CreatedAt   int64   `json:"createdAt"`
}

// BidStatus tracks a task bid.
type BidStatus string

const (
	BidPending  BidStatus = "pending"
	BidAccepted BidStatus = "accepted"
	BidRejected BidStatus = "rejected"
)

// Bid is an agent's offer to take on a task.
type Bid struct {
	ID                string    `json:"id"`
	SwarmID           string    `json:"swarmId"`
	TaskID            string    `json:"taskId"`
	BidderHandle      string    `json:"bidderHandle"`
	Amount            float64   `json:"amount"`
	Confidence        float64   `json:"confidence"`
	EstimatedDuration float64   `json:"estimatedDuration,omitempty"` // seconds
	Status            BidStatus `json:"status"`
	CreatedAt         int64     `json:"createdAt"`
}

// Payoff defines a reward component for completing a task.
// Type "penalty" is subtracted during calculation.
type Payoff struct {
	ID         string  `json:"id"`
	SwarmID    string  `json:"swarmId,omitempty"`
	TaskID     string  `json:"taskId"`
	Type       string  `json:"type"`
	BaseValue  float64 `json:"baseValue"`
	Multiplier float64 `json:"multiplier"`
	Deadline   int64   `json:"deadline,omitempty"`  // 0 = no deadline
	DecayRate  float64 `json:"decayRate,omitempty"` // applied per overdue hour
	CreatedAt  int64   `json:"createdAt"`
}

// WorkItemStatus tracks a team work item.
type WorkItemStatus string

const (
	WorkItemOpen       WorkItemStatus = "open"
	WorkItemInProgress WorkItemStatus = "in_progress"
	WorkItemDone       WorkItemStatus = "done"
)

// WorkItem is a unit of team work assignable to a worker.
type WorkItem struct {
	ID             string         `json:"id"`
	TeamName       string         `json:"teamName"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Status         WorkItemStatus `json:"status"`
	AssigneeHandle string         `json:"assigneeHandle,omitempty"`
	CreatedAt      int64          `json:"createdAt"`
	UpdatedAt      int64          `json:"updatedAt"`
}

// MailMessage is point-to-point mail between agents, outside any swarm.
type MailMessage struct {
	ID         string `json:"id"`
	TeamName   string `json:"teamName"`
	FromHandle string `json:"fromHandle"`
	ToHandle   string `json:"toHandle"`
	Subject    string `json:"subject"`
	Body       string `json:"body,omitempty"`
	Read       bool   `json:"read"`
	CreatedAt  int64  `json:"createdAt"`
}

// TLDR is a worker's rolling session summary, replaced on each update.
type TLDR struct {
	Handle    string `json:"handle"`
	Summary   string `json:"summary"`
	UpdatedAt int64  `json:"updatedAt"`
}
