package merge

// DefaultLogLimit bounds the unacknowledged local operations.
const DefaultLogLimit = 4096

// Log keeps the local operations the relay has not confirmed yet, in creation
// order, so they can be redelivered after a reconnect. Nothing is evicted:
// when the log is full, Append refuses.
type Log struct {
	limit int
	ops   []Operation
}

func NewLog(limit int) *Log {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return &Log{limit: limit}
}

func (l *Log) Append(op Operation) error {
	if len(l.ops) >= l.limit {
		return ErrLogFull
	}
	l.ops = append(l.ops, op.Clone())
	return nil
}

// Room returns how many more operations fit.
func (l *Log) Room() int {
	return l.limit - len(l.ops)
}

// Acknowledge forgets the operations with a counter up to counter and
// returns how many were dropped.
func (l *Log) Acknowledge(counter uint64) int {
	n := 0
	for n < len(l.ops) && l.ops[n].Stamp.Counter <= counter {
		n++
	}
	if n > 0 {
		l.ops = append(l.ops[:0:0], l.ops[n:]...)
	}
	return n
}

// Operations returns the logged operations, oldest first.
func (l *Log) Operations() []Operation {
	out := make([]Operation, len(l.ops))
	for i, op := range l.ops {
		out[i] = op.Clone()
	}
	return out
}

func (l *Log) Len() int {
	return len(l.ops)
}
