package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// intsetOp is the wire shape of one operation against the demo state
// machine: a set of integers supporting set/add/get.
type intsetOp struct {
	Kind  string `json:"kind"`
	Value int    `json:"value,omitempty"`
}

func encodeOp(op intsetOp) []byte {
	b, _ := json.Marshal(op)
	return b
}

// intsetCodec implements paxosd.OperationCodec for intsetOp.
type intsetCodec struct{}

func (intsetCodec) Decode(opBytes []byte) (any, error) {
	var op intsetOp
	if err := json.Unmarshal(opBytes, &op); err != nil {
		return nil, fmt.Errorf("intset: decode op: %w", err)
	}
	return op, nil
}

// intsetMachine is the demo's replicated data: a set of integers, read and
// mutated only through Apply on the Applier's single goroutine; Apply still
// takes mu around every access.
type intsetMachine struct {
	mu  sync.RWMutex
	set map[int]struct{}
}

func newIntsetMachine() *intsetMachine {
	return &intsetMachine{set: make(map[int]struct{})}
}

// Apply implements paxosd.ApplierFunc.
func (m *intsetMachine) Apply(op any) ([]byte, error) {
	in, ok := op.(intsetOp)
	if !ok {
		return nil, fmt.Errorf("intset: unexpected operation type %T", op)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch in.Kind {
	case "set":
		m.set = map[int]struct{}{in.Value: {}}
	case "add":
		m.set[in.Value] = struct{}{}
	case "get":
		// no mutation
	default:
		return nil, fmt.Errorf("intset: unknown op kind %q", in.Kind)
	}
	return m.snapshotLocked(), nil
}

func (m *intsetMachine) snapshotLocked() []byte {
	values := make([]int, 0, len(m.set))
	for v := range m.set {
		values = append(values, v)
	}
	sort.Ints(values)
	b, _ := json.Marshal(values)
	return b
}
