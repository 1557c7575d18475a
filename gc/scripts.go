package gc

import "github.com/redis/go-redis/v9"

// acquireLeaseScript grants (or renews) the GC lease to id unless another
// id already holds it. KEYS[1]=lease key; ARGV[1]=candidate id;
// ARGV[2]=lease TTL in milliseconds.
var acquireLeaseScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == false or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

// releaseLeaseScript deletes the GC lease only if id still owns it.
// KEYS[1]=lease key; ARGV[1]=id.
var releaseLeaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// sweepExpiredHeadScript pops the head of the pending list if and only if
// it is still exactly the record the caller peeked at. KEYS[1]=pending;
// ARGV[1]=serialized record peeked at the head.
var sweepExpiredHeadScript = redis.NewScript(`
local head = redis.call('LINDEX', KEYS[1], 0)
if head ~= ARGV[1] then
	return 0
end
redis.call('LPOP', KEYS[1])
return 1
`)
