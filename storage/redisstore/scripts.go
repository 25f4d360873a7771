package redisstore

import "github.com/redis/go-redis/v9"

// Every write that must not race a concurrent writer runs as a script so
// the existence check and the write happen in one step.

// KEYS: document, documents set. ARGV: id, json.
var createDocumentScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// KEYS: document, task, document tasks set, tasks set.
// ARGV: id, document_id, key, priority, state, msg, args, created_at, updated_at.
var createTaskScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('HSET', KEYS[2],
	'document_id', ARGV[2],
	'key', ARGV[3],
	'priority', ARGV[4],
	'state', ARGV[5],
	'msg', ARGV[6],
	'args', ARGV[7],
	'created_at', ARGV[8],
	'updated_at', ARGV[9])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SADD', KEYS[4], ARGV[1])
return 1
`)

// KEYS: task. ARGV: state, msg, updated_at.
// Returns the updated hash, or an empty array when the task is gone.
var updateTaskStateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {}
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'msg', ARGV[2], 'updated_at', ARGV[3])
return redis.call('HGETALL', KEYS[1])
`)

// KEYS: task, result, task results set. ARGV: id, json.
var createResultScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('SADD', KEYS[3], ARGV[1])
return 1
`)
