package chain

import (
	"github.com/voteledger/meta"
	"github.com/voteledger/util"
)

// HasVoted reports whether voterID already has a block for electionID.
func HasVoted(c []meta.Block, voterID, electionID string) bool {
	vh := util.VoterHash(voterID)
	for _, b := range c {
		if b.Index >= 1 && b.VoterHash == vh && b.ElectionID == electionID {
			return true
		}
	}
	return false
}

// Tally counts the vote blocks of electionID per candidate.
func Tally(c []meta.Block, electionID string) map[string]int {
	counts := make(map[string]int)
	for _, b := range c {
		if b.Index >= 1 && b.ElectionID == electionID {
			counts[b.CandidateID]++
		}
	}
	return counts
}

// FilterElection returns the vote blocks of electionID in chain order.
func FilterElection(c []meta.Block, electionID string) []meta.Block {
	res := make([]meta.Block, 0)
	for _, b := range c {
		if b.Index >= 1 && b.ElectionID == electionID {
			res = append(res, b)
		}
	}
	return res
}

func VoteCount(c []meta.Block) int {
	n := 0
	for _, b := range c {
		if b.Index >= 1 {
			n++
		}
	}
	return n
}
