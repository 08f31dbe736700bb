// Package proposal defines the ballot-number type Multi-Paxos uses to order
// competing leadership attempts.
package proposal

import "fmt"

// ID is a (round, node) pair. Comparison is lexicographic on round first,
// so ties between nodes proposing in the same round are broken by node id.
// Uniqueness across the cluster comes from node being the proposer's own id.
type ID struct {
	Round uint32
	Node  uint32
}

// Zero is the initial term every node starts in: round 0, owned by itself.
func Zero(self uint32) ID {
	return ID{Round: 0, Node: self}
}

// Less reports whether id sorts strictly before other.
func (id ID) Less(other ID) bool {
	if id.Round != other.Round {
		return id.Round < other.Round
	}
	return id.Node < other.Node
}

// LessOrEqual reports whether id sorts at or before other.
func (id ID) LessOrEqual(other ID) bool {
	return id == other || id.Less(other)
}

// Bump returns a new ID one round ahead, owned by self. Used when a node
// starts an election or otherwise advances its own term.
func (id ID) Bump(self uint32) ID {
	return ID{Round: id.Round + 1, Node: self}
}

// Max returns the greater of the two IDs, by Less.
func Max(a, b ID) ID {
	if a.Less(b) {
		return b
	}
	return a
}

func (id ID) String() string {
	return fmt.Sprintf("%d.%d", id.Round, id.Node)
}
