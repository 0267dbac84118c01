package deepcrawl

import "container/heap"

// Node is a frontier entry awaiting a visit.
type Node struct {
	URL   string  `json:"url"`
	Depth int     `json:"depth"`
	Score float64 `json:"score"`
	Seq   int     `json:"seq"`
}

// frontier orders pending nodes by strategy: best_first pops the
// highest score (ties by shallower depth, then insertion order), bfs
// pops in insertion order, dfs pops the most recent insertion.
type frontier struct {
	strategy string
	nodes    []*Node
	nextSeq  int
}

func newFrontier(strategy string) *frontier {
	return &frontier{strategy: strategy}
}

func (f *frontier) Len() int { return len(f.nodes) }

func (f *frontier) Less(i, j int) bool {
	a, b := f.nodes[i], f.nodes[j]
	switch f.strategy {
	case StrategyBFS:
		return a.Seq < b.Seq
	case StrategyDFS:
		return a.Seq > b.Seq
	default:
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		return a.Seq < b.Seq
	}
}

func (f *frontier) Swap(i, j int) { f.nodes[i], f.nodes[j] = f.nodes[j], f.nodes[i] }

func (f *frontier) Push(x any) { f.nodes = append(f.nodes, x.(*Node)) }

func (f *frontier) Pop() any {
	old := f.nodes
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	f.nodes = old[:n-1]
	return item
}

// push enqueues a node, assigning its insertion sequence.
func (f *frontier) push(n *Node) {
	n.Seq = f.nextSeq
	f.nextSeq++
	heap.Push(f, n)
}

// pop removes and returns the next node, or nil when empty.
func (f *frontier) pop() *Node {
	if f.Len() == 0 {
		return nil
	}
	return heap.Pop(f).(*Node)
}

// restore rebuilds the frontier from checkpointed nodes, preserving
// their original sequence numbers.
func (f *frontier) restore(nodes []*Node) {
	f.nodes = append(f.nodes[:0], nodes...)
	for _, n := range nodes {
		if n.Seq >= f.nextSeq {
			f.nextSeq = n.Seq + 1
		}
	}
	heap.Init(f)
}

// snapshot copies the pending nodes for persistence.
func (f *frontier) snapshot() []*Node {
	out := make([]*Node, len(f.nodes))
	copy(out, f.nodes)
	return out
}
