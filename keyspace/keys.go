// Package keyspace names and lays out every Redis key a queue owns.
//
// For a queue Q the key set is:
//
//	Q.pending          list of serialized records, head = oldest
//	Q.inflight.<cid>   one list per consumer, records it currently owns
//	Q.dlq              dead-lettered records
//	Q.consumers        set of consumer ids known to this queue
//	Q.alive.<cid>      volatile heartbeat token for consumer cid
//	Q.gc.lock          volatile key holding the current GC leader's id
//	Q.stats.<id>       counters hash; the stats emitter always writes
//	                   Q.stats.counters, so every consumer process of a
//	                   queue flushes into the same hash
package keyspace

const QueueRegistry = "queues"

// Keys builds the Redis key names for a single queue.
type Keys struct {
	Queue string
}

func New(queue string) Keys {
	return Keys{Queue: queue}
}

func (k Keys) Pending() string {
	return k.Queue + ".pending"
}

func (k Keys) Inflight(consumerID string) string {
	return k.Queue + ".inflight." + consumerID
}

func (k Keys) DLQ() string {
	return k.Queue + ".dlq"
}

func (k Keys) Consumers() string {
	return k.Queue + ".consumers"
}

func (k Keys) Alive(consumerID string) string {
	return k.Queue + ".alive." + consumerID
}

func (k Keys) GCLock() string {
	return k.Queue + ".gc.lock"
}

func (k Keys) Stats(id string) string {
	return k.Queue + ".stats." + id
}
