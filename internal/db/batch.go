package db

// Batch collects writes that must commit together. Hooks registered with
// OnCommit run in registration order after a successful commit, which lets
// in-memory mirrors follow the durable state exactly.
type Batch struct {
	ops   []batchOp
	hooks []func()
}

type batchOp struct {
	key    string
	value  []byte
	delete bool
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put schedules a write of value under key.
func (b *Batch) Put(key string, value []byte) {
	if value == nil {
		value = []byte{}
	}
	b.ops = append(b.ops, batchOp{key: key, value: value})
}

// Delete schedules removal of key.
func (b *Batch) Delete(key string) {
	b.ops = append(b.ops, batchOp{key: key, delete: true})
}

// OnCommit registers fn to run once the batch is durable.
func (b *Batch) OnCommit(fn func()) {
	b.hooks = append(b.hooks, fn)
}

// Len returns the number of scheduled operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Keys returns the keys touched by the batch in scheduling order.
func (b *Batch) Keys() []string {
	keys := make([]string, len(b.ops))
	for i, op := range b.ops {
		keys[i] = op.key
	}
	return keys
}

func (b *Batch) committed() {
	hooks := b.hooks
	b.hooks = nil
	for _, fn := range hooks {
		fn()
	}
}
