// Package chain holds the pure block chain functions: genesis, hashing,
// proof-of-work mining and validation of single blocks and whole chains.
package chain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/voteledger/commonconst"
	"github.com/voteledger/meta"
	"github.com/voteledger/util"
)

var genesisBlock meta.Block

func init() {
	//首先创建创世区块
	genesisBlock = meta.Block{
		Index:        0,
		Timestamp:    0,
		ElectionID:   commonconst.GenesisElection,
		CandidateID:  commonconst.GenesisCandidate,
		VoterHash:    commonconst.GenesisVoterHash,
		PreviousHash: commonconst.GenesisPrevHash,
		Nonce:        0,
	}
	genesisBlock.Hash = util.CalBlockHash(genesisBlock)
}

// GenesisBlock returns the fixed first block shared by every replica.
func GenesisBlock() meta.Block {
	return genesisBlock
}

// NewChain returns a genesis-only chain.
func NewChain() []meta.Block {
	return []meta.Block{genesisBlock}
}

func IsGenesis(b meta.Block) bool {
	return b == genesisBlock
}

// MeetsDifficulty reports whether hash starts with difficulty hex zeros.
func MeetsDifficulty(hash string, difficulty int) bool {
	if difficulty <= 0 {
		return true
	}
	if difficulty > len(hash) {
		return false
	}
	return strings.HasPrefix(hash, strings.Repeat("0", difficulty))
}

// MineBlock builds the block following previous and searches nonces from 0
// until its hash meets difficulty.
func MineBlock(previous meta.Block, electionID, candidateID, voterID string, difficulty int) meta.Block {
	b, _ := Mine(context.Background(), previous, electionID, candidateID, voterID, difficulty)
	return b
}

// Mine is MineBlock with cancellation, checked every MineCheckInterval nonces.
func Mine(ctx context.Context, previous meta.Block, electionID, candidateID, voterID string, difficulty int) (meta.Block, error) {
	b := meta.Block{
		Index:        previous.Index + 1,
		Timestamp:    time.Now().UnixNano() / int64(time.Millisecond),
		ElectionID:   electionID,
		CandidateID:  candidateID,
		VoterHash:    util.VoterHash(voterID),
		PreviousHash: previous.Hash,
	}
	for nonce := uint64(0); ; nonce++ {
		if nonce%commonconst.MineCheckInterval == 0 && nonce > 0 {
			if err := ctx.Err(); err != nil {
				return meta.Block{}, err
			}
		}
		b.Nonce = nonce
		b.Hash = util.CalBlockHash(b)
		if MeetsDifficulty(b.Hash, difficulty) {
			return b, nil
		}
	}
}

// ValidateBlock checks block against its predecessor: index, linkage, hash
// recomputation and proof-of-work, in that order. It stops at the first failure.
func ValidateBlock(block, previous meta.Block, difficulty int) *meta.Violation {
	if block.Index != previous.Index+1 {
		return &meta.Violation{
			Index:    block.Index,
			Reason:   "index is not previous index + 1",
			Expected: fmt.Sprint(previous.Index + 1),
			Actual:   fmt.Sprint(block.Index),
		}
	}
	if block.PreviousHash != previous.Hash {
		return &meta.Violation{
			Index:    block.Index,
			Reason:   "previous hash does not link",
			Expected: previous.Hash,
			Actual:   block.PreviousHash,
		}
	}
	if h := util.CalBlockHash(block); h != block.Hash {
		return &meta.Violation{
			Index:    block.Index,
			Reason:   "hash does not match contents",
			Expected: h,
			Actual:   block.Hash,
		}
	}
	if !MeetsDifficulty(block.Hash, difficulty) {
		return &meta.Violation{
			Index:    block.Index,
			Reason:   fmt.Sprintf("hash misses difficulty %d", difficulty),
			Expected: strings.Repeat("0", difficulty),
			Actual:   block.Hash,
		}
	}
	return nil
}

// ValidateChain returns every violation found in c; an empty result means
// the chain can be trusted.
func ValidateChain(c []meta.Block, difficulty int) []meta.Violation {
	if len(c) == 0 {
		return []meta.Violation{{Reason: "chain is empty"}}
	}
	var violations []meta.Violation
	if !IsGenesis(c[0]) {
		violations = append(violations, meta.Violation{
			Index:    c[0].Index,
			Reason:   "first block is not genesis",
			Expected: genesisBlock.Hash,
			Actual:   c[0].Hash,
		})
	}
	for i := 1; i < len(c); i++ {
		if v := ValidateBlock(c[i], c[i-1], difficulty); v != nil {
			violations = append(violations, *v)
		}
	}
	return violations
}

func IsValidChain(c []meta.Block, difficulty int) bool {
	return len(ValidateChain(c, difficulty)) == 0
}

func Tip(c []meta.Block) meta.Block {
	return c[len(c)-1]
}
