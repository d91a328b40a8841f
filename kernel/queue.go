package kernel

// Queue is a bounded FIFO over caller-provided storage. Each direction has
// its own blocked-task list; a successful operation readies every task
// waiting on the opposite direction, and the losers of the race re-block.
type Queue[T any] struct {
	k       *Kernel
	storage []T
	count   int
	front   int

	blockedOnRead  TaskList
	blockedOnWrite TaskList
}

// NewQueue creates a queue whose capacity is len(storage).
func NewQueue[T any](k *Kernel, storage []T) *Queue[T] {
	q := &Queue[T]{}
	q.Init(k, storage)
	return q
}

// Init prepares a statically declared queue.
func (q *Queue[T]) Init(k *Kernel, storage []T) {
	if k == nil {
		raise("Queue.Init", "nil kernel", "")
	}
	if len(storage) == 0 {
		raise("Queue.Init", "zero capacity", "")
	}
	q.k = k
	q.storage = storage
	q.count = 0
	q.front = 0
	q.blockedOnRead = TaskList{}
	q.blockedOnWrite = TaskList{}
}

// Enqueue appends v, reporting false without blocking if the queue is full.
func (q *Queue[T]) Enqueue(v T) bool {
	port := q.port("Queue.Enqueue")
	port.EnterCriticalSection()
	ok := q.count < len(q.storage)
	if ok {
		q.enqueueOp(v)
	}
	port.ExitCriticalSection()
	return ok
}

// Dequeue removes the oldest element, reporting false without blocking if
// the queue is empty.
func (q *Queue[T]) Dequeue() (T, bool) {
	port := q.port("Queue.Dequeue")
	port.EnterCriticalSection()
	var v T
	ok := q.count != 0
	if ok {
		v = q.dequeueOp()
	}
	port.ExitCriticalSection()
	return v, ok
}

// EnqueueBlocking appends v, blocking the running task while the queue is
// full. Task context only.
func (q *Queue[T]) EnqueueBlocking(v T) {
	for !q.Enqueue(v) {
		q.k.BlockCurrentTaskToList(&q.blockedOnWrite)
	}
}

// DequeueBlocking removes the oldest element, blocking the running task
// while the queue is empty. Task context only.
func (q *Queue[T]) DequeueBlocking() T {
	for {
		if v, ok := q.Dequeue(); ok {
			return v
		}
		q.k.BlockCurrentTaskToList(&q.blockedOnRead)
	}
}

// IsEmpty reads the count without masking; the result may be stale.
func (q *Queue[T]) IsEmpty() bool { return q.count == 0 }

// IsFull reads the count without masking; the result may be stale.
func (q *Queue[T]) IsFull() bool { return q.count >= len(q.storage) }

// Len returns the number of stored elements.
func (q *Queue[T]) Len() int { return q.count }

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int { return len(q.storage) }

// Front returns the storage index of the oldest element.
func (q *Queue[T]) Front() int { return q.front }

// BlockedOnRead returns the tasks waiting for data.
func (q *Queue[T]) BlockedOnRead() *TaskList { return &q.blockedOnRead }

// BlockedOnWrite returns the tasks waiting for space.
func (q *Queue[T]) BlockedOnWrite() *TaskList { return &q.blockedOnWrite }

func (q *Queue[T]) enqueueOp(v T) {
	pos := (q.front + q.count) % len(q.storage)
	q.storage[pos] = v
	q.count++

	if !q.blockedOnRead.Empty() {
		q.k.ReadyTaskEntireList(&q.blockedOnRead)
	}
}

func (q *Queue[T]) dequeueOp() T {
	var zero T
	v := q.storage[q.front]
	q.storage[q.front] = zero
	q.count--
	q.front = (q.front + 1) % len(q.storage)

	if !q.blockedOnWrite.Empty() {
		q.k.ReadyTaskEntireList(&q.blockedOnWrite)
	}
	return v
}

func (q *Queue[T]) port(op string) Port {
	if q.k == nil {
		raise(op, "queue not initialized", "")
	}
	return q.k.port
}
