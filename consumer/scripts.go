package consumer

import "github.com/redis/go-redis/v9"

// requeueScript atomically moves a record out of a consumer's in-flight
// list and back onto the tail of the queue's pending list, bumping the
// serialized attempt count in one step. KEYS[1]=inflight, KEYS[2]=pending;
// ARGV[1]=old serialized record, ARGV[2]=new serialized record.
var requeueScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed == 0 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
return 1
`)

// deadLetterScript atomically moves a record out of a consumer's
// in-flight list onto the queue's dead-letter list. KEYS[1]=inflight,
// KEYS[2]=dlq; ARGV[1]=old serialized record, ARGV[2]=new serialized
// record (with attempts bumped, for audit purposes).
var deadLetterScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed == 0 then
	return 0
end
redis.call('RPUSH', KEYS[2], ARGV[2])
return 1
`)

// dropScript atomically removes a record from a consumer's in-flight list
// without moving it anywhere else: used for ack (success) and for
// discarding TTL-expired records. KEYS[1]=inflight; ARGV[1]=serialized
// record.
var dropScript = redis.NewScript(`
return redis.call('LREM', KEYS[1], 1, ARGV[1])
`)
