package meta

// Block is one cast vote, or the genesis marker at index 0.
type Block struct {
	Index        uint64 `json:"index"`
	Timestamp    int64  `json:"timestamp"`
	ElectionID   string `json:"electionId"`
	CandidateID  string `json:"candidateId"`
	VoterHash    string `json:"voterHash"`
	PreviousHash string `json:"previousHash"`
	Hash         string `json:"hash"`
	Nonce        uint64 `json:"nonce"`
}

// BlockMsg is a block sent to a peer node, signed by the sender.
type BlockMsg struct {
	B      Block  `json:"block"`
	Sign   []byte `json:"sign"`
	PubKey []byte `json:"pubKey"`
}

type ReplicaMsg struct {
	Blocks []Block `json:"blocks"`
	Sign   []byte  `json:"sign"`
	PubKey []byte  `json:"pubKey"`
}

// Violation describes why a block failed validation.
type Violation struct {
	Index    uint64 `json:"index"`
	Reason   string `json:"reason"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

type ReplicaFailure struct {
	ParticipantID string `json:"participantId"`
	BlockIndex    uint64 `json:"blockIndex"`
	Error         string `json:"error"`
	At            int64  `json:"at"`
}

type CastResult struct {
	Success   bool             `json:"success"`
	BlockHash string           `json:"blockHash,omitempty"`
	Block     *Block           `json:"block,omitempty"`
	Failures  []ReplicaFailure `json:"failures,omitempty"`
}

type ReplicaStats struct {
	ParticipantID string `json:"participantId"`
	TotalBlocks   int    `json:"totalBlocks"`
	TotalVotes    int    `json:"totalVotes"`
	LastBlockHash string `json:"lastBlockHash"`
	GenesisHash   string `json:"genesisHash"`
}

type DiscrepancyKind string

const (
	Diverged          DiscrepancyKind = "diverged"
	IntegrityBreached DiscrepancyKind = "integrity_violation"
)

type Discrepancy struct {
	ParticipantID  string          `json:"participantId"`
	Kind           DiscrepancyKind `json:"kind"`
	DivergingIndex int             `json:"divergingIndex"`
	ExpectedHash   string          `json:"expectedHash"`
	ActualHash     string          `json:"actualHash"`
	Violations     []Violation     `json:"violations,omitempty"`
}

type UnreadableReplica struct {
	ParticipantID string `json:"participantId"`
	Error         string `json:"error"`
}

// IntegrityReport is the outcome of one verification pass over all replicas.
type IntegrityReport struct {
	RunID                string              `json:"runId"`
	CheckedAt            int64               `json:"checkedAt"`
	IsIntegritySafe      bool                `json:"isIntegritySafe"`
	MatchPercentage      float64             `json:"matchPercentage"`
	TotalUsers           int                 `json:"totalUsers"`
	Matching             int                 `json:"matching"`
	Groups               int                 `json:"groups"`
	ConsensusChainLength int                 `json:"consensusChainLength"`
	ConsensusTipHash     string              `json:"consensusTipHash,omitempty"`
	ConsensusChain       []Block             `json:"-"`
	Discrepancies        []Discrepancy       `json:"discrepancies"`
	Unreadable           []UnreadableReplica `json:"unreadable,omitempty"`
	ReplicationFailures  []ReplicaFailure    `json:"replicationFailures,omitempty"`
}

type ElectionStatus string

const (
	Upcoming ElectionStatus = "upcoming"
	Active   ElectionStatus = "active"
	Ended    ElectionStatus = "ended"
)

type Election struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Status     ElectionStatus `json:"status"`
	StartsAt   int64          `json:"startsAt,omitempty"`
	EndsAt     int64          `json:"endsAt,omitempty"`
	Candidates []string       `json:"candidates"`
}

// Identity is the caller as reported by the identity collaborator.
type Identity struct {
	ParticipantID string `json:"participantId"`
	IsAdmin       bool   `json:"isAdmin"`
}

type CountMismatch struct {
	CandidateID string `json:"candidateId"`
	Chain       int    `json:"chain"`
	SideChannel int    `json:"sideChannel"`
}

type TallyResult struct {
	ElectionID      string          `json:"electionId"`
	Counts          map[string]int  `json:"counts"`
	TotalVotes      int             `json:"totalVotes"`
	ChainLength     int             `json:"chainLength"`
	IntegritySafe   bool            `json:"integritySafe"`
	MatchPercentage float64         `json:"matchPercentage"`
	SideChannel     map[string]int  `json:"sideChannel,omitempty"`
	Mismatches      []CountMismatch `json:"mismatches,omitempty"`
}
