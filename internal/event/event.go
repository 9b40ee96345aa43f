// Package event defines the envelope and payload shapes pushed to
// subscribers over the hub and the websocket feed.
package event

import "encoding/json"

// Event types. The type string doubles as the JSON discriminator.
const (
	TypeWorkerSpawned   = "worker:spawned"
	TypeWorkerDismissed = "worker:dismissed"
	TypeWorkerRestarted = "worker:restarted"
	TypeWorkerExit      = "worker:exit"
	TypeWorkerOutput    = "worker:output"
	TypeWorkerState     = "worker:state"
	TypeWorkerHealth    = "worker:health"

	TypeSwarmCreated = "swarm:created"
	TypeSwarmKilled  = "swarm:killed"
	TypeSwarmMessage = "swarm:message"

	TypeSpawnQueued   = "spawn:queued"
	TypeSpawnApproved = "spawn:approved"
	TypeSpawnSpawned  = "spawn:spawned"
	TypeSpawnRejected = "spawn:rejected"

	TypeCheckpoint = "checkpoint:created"

	TypePheromoneDeposit  = "pheromone:deposit"
	TypeBeliefUpdated     = "belief:updated"
	TypeCreditsTransfer   = "credits:transfer"
	TypeConsensusProposal = "consensus:proposal"
	TypeConsensusVote     = "consensus:vote"
	TypeConsensusResult   = "consensus:result"
	TypeBiddingBid        = "bidding:bid"
	TypeBiddingAccepted   = "bidding:accepted"
	TypeBiddingAuction    = "bidding:auction_complete"

	TypeCompoundIterationStart    = "compound:iteration_start"
	TypeCompoundIterationComplete = "compound:iteration_complete"
	TypeCompoundSucceeded         = "compound:succeeded"
	TypeCompoundFailed            = "compound:failed"

	// TypeLagged is synthesized by the hub when a subscriber's queue
	// overflows, replacing the oldest undelivered event.
	TypeLagged = "lagged"
)

// Subjects partition the hub's fanout. Subscribers name one or more
// subjects; SubjectAll receives everything.
const SubjectAll = "all"

// SubjectWorker scopes events to one worker's stream.
func SubjectWorker(handle string) string { return "worker/" + handle }

// SubjectSwarm scopes events to one swarm's coordination traffic.
func SubjectSwarm(id string) string { return "swarm/" + id }

// SubjectChat scopes checkpoint and directive traffic to a recipient.
func SubjectChat(handle string) string { return "chat/" + handle }

// Event is the wire envelope. Data holds the type-specific payload,
// already marshaled so fanout never re-encodes per subscriber.
type Event struct {
	Type    string          `json:"type"`
	Subject string          `json:"subject"`
	At      int64           `json:"at"` // epoch millis
	Data    json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope, marshaling data. Marshal failures produce an
// envelope with empty data rather than dropping the event.
func New(typ, subject string, at int64, data any) Event {
	e := Event{Type: typ, Subject: subject, At: at}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// WorkerPayload accompanies worker lifecycle events.
type WorkerPayload struct {
	Handle  string `json:"handle"`
	Role    string `json:"role"`
	State   string `json:"state,omitempty"`
	Health  string `json:"health,omitempty"`
	SwarmID string `json:"swarmId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// OutputPayload carries one parsed line of worker output.
type OutputPayload struct {
	Handle string `json:"handle"`
	Kind   string `json:"kind"` // text, tool_use, tool_result, result, system
	Text   string `json:"text,omitempty"`
	Tool   string `json:"tool,omitempty"`
}

// SwarmMessagePayload announces a new blackboard message.
type SwarmMessagePayload struct {
	MessageID    string `json:"messageId"`
	SwarmID      string `json:"swarmId"`
	SenderHandle string `json:"senderHandle"`
	MessageType  string `json:"messageType"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Priority     string `json:"priority"`
}

// CheckpointPayload announces a handoff awaiting acceptance.
type CheckpointPayload struct {
	CheckpointID string `json:"checkpointId"`
	FromHandle   string `json:"fromHandle"`
	ToHandle     string `json:"toHandle"`
	Goal         string `json:"goal"`
}

// QueuePayload announces a spawn queue transition.
type QueuePayload struct {
	ItemID  string `json:"itemId"`
	Status  string `json:"status"`
	Handle  string `json:"handle,omitempty"` // spawned worker, when approved
	Reason  string `json:"reason,omitempty"`
	Pending int    `json:"pending"`
}

// CompoundPayload reports compound loop progress.
type CompoundPayload struct {
	RunID     string `json:"runId"`
	Iteration int    `json:"iteration"`
	Phase     string `json:"phase"`
	Gate      string `json:"gate,omitempty"`
	Detail    string `json:"detail,omitempty"`
}
