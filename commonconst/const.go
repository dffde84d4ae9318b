package commonconst

const (
	DefaultDifficulty = 1

	//genesis sentinels
	GenesisElection  = "genesis"
	GenesisCandidate = "genesis"
	GenesisPrevHash  = "0"

	//reserved replica owned by the write coordinator
	CanonicalReplica = "_canonical"

	MaxIDLength = 128

	//mining checks for cancellation every MineCheckInterval nonces
	MineCheckInterval = 4096

	//verification defaults
	DefaultQuorum     = 75.0
	DefaultChunkSize  = 256
	DefaultVerifyJobs = 8

	//broadcast defaults
	DefaultWorkers   = 8
	DefaultQueueSize = 256
	FailureLogSize   = 1024
)

//redis key
const (
	RedisReplicaPrefix   = "voteledger:replica:"
	RedisParticipantsKey = "voteledger:participants"
	RedisTallyPrefix     = "voteledger:tally:"
	RedisHostedPrefix    = "voteledger:hosted:" // replicas kept for peers
)

var (
	//salt mixed into every voter hash; must never change once votes exist
	VoterSalt = "voteledger-salt"
	//64 hex zeros
	GenesisVoterHash = "0000000000000000000000000000000000000000000000000000000000000000"
)
