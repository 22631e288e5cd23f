package models

import "time"

// Action is the consensus recommendation.
type Action string

const (
	ActionExecute Action = "EXECUTE"
	ActionHold    Action = "HOLD"
	ActionReject  Action = "REJECT"
)

// ConsensusState tracks one instrument's round.
type ConsensusState string

const (
	StateCollecting  ConsensusState = "COLLECTING"
	StateAggregating ConsensusState = "AGGREGATING"
	StateDecided     ConsensusState = "DECIDED"
)

// AgentVote is one agent's contribution to a round.
type AgentVote struct {
	AgentName    string    `json:"agent_name"`
	Direction    Direction `json:"direction"`
	Confidence   float64   `json:"confidence"`
	Weight       float64   `json:"weight"`
	Contribution float64   `json:"contribution"`
}

// ConsensusResult is created once per round and never mutated afterwards.
type ConsensusResult struct {
	Instrument        string                   `json:"instrument"`
	Direction         Direction                `json:"direction"`
	Confidence        float64                  `json:"confidence"`
	VotingSummary     map[SignalKind]AgentVote `json:"voting_summary"`
	WeightSummary     map[Direction]float64    `json:"weight_summary"`
	RecommendedAction Action                   `json:"recommended_action"`
	RecommendedSize   float64                  `json:"recommended_size"`
	RecommendedEntry  float64                  `json:"recommended_entry"`
	RiskApproval      bool                     `json:"risk_approval"`
	RiskReason        string                   `json:"risk_reason,omitempty"`
	// Vetoed is set when the risk agent sent CLOSE or a critical risk level.
	Vetoed      bool      `json:"vetoed"`
	LatencyMs   float64   `json:"latency_ms"`
	SignalCount int       `json:"signal_count"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventType is the topic the decision is published to.
func (r *ConsensusResult) EventType() EventType {
	if r.RecommendedAction == ActionExecute {
		return EventConsensusApproved
	}
	return EventConsensusRejected
}
