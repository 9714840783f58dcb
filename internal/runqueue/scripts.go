// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package runqueue

import "github.com/redis/go-redis/v9"

// Each script is a single EVAL round trip so the check-then-mutate
// sequence it performs is atomic under Redis's single-threaded script
// execution, per the "single server-side script for atomicity"
// requirement on dequeue.

// dequeueScript attempts to take the lowest-score member off a single
// queue, subject to env/queue/task concurrency limits. The task
// identifier of the message a queue's ZRANGE will hand back isn't known
// until that call runs, so the script resolves it itself from the
// per-message task-identifier side key and derives that task's
// concurrency/limit keys the same way keys.Producer does in Go, rather
// than being handed a task key up front.
//
// KEYS: 1=queueKey 2=queueConcKey 3=queueLimitKey
//
//	4=envConcKey 5=envLimitKey 6=inflightKey
//
// ARGV: 1=consumerID 2=taskIdentifierKeyPrefix 3=taskIdentifierKeySuffix
//
// Returns the dequeued message id, or false if no candidate or any limit
// would be exceeded.
var dequeueScript = redis.NewScript(`
local queueKey, queueConcKey, queueLimitKey = KEYS[1], KEYS[2], KEYS[3]
local envConcKey, envLimitKey = KEYS[4], KEYS[5]
local inflightKey = KEYS[6]
local consumerID = ARGV[1]
local taskIDKeyPrefix, taskIDKeySuffix = ARGV[2], ARGV[3]

local queueLimit = tonumber(redis.call('GET', queueLimitKey))
if queueLimit and redis.call('SCARD', queueConcKey) >= queueLimit then
  return false
end

local envLimit = tonumber(redis.call('GET', envLimitKey))
if envLimit and redis.call('SCARD', envConcKey) >= envLimit then
  return false
end

local items = redis.call('ZRANGE', queueKey, 0, 0)
if #items == 0 then
  return false
end
local id = items[1]

local taskConcKey, taskLimitKey
local taskIdentifier = redis.call('GET', taskIDKeyPrefix .. id .. taskIDKeySuffix)
if taskIdentifier then
  local envBase = envConcKey:sub(1, #envConcKey - #':currentConcurrency')
  local taskBase = envBase .. ':task:' .. taskIdentifier
  taskConcKey = taskBase .. ':currentConcurrency'
  taskLimitKey = taskBase .. ':concurrency'
  local taskLimit = tonumber(redis.call('GET', taskLimitKey))
  if taskLimit and redis.call('SCARD', taskConcKey) >= taskLimit then
    return false
  end
end

redis.call('ZREM', queueKey, id)
redis.call('SADD', queueConcKey, id)
redis.call('SADD', envConcKey, id)
if taskConcKey then
  redis.call('SADD', taskConcKey, id)
end
redis.call('SADD', inflightKey, id)

return id
`)

// ackScript removes a message id from the three concurrency sets, its
// consumer's in-flight set, and deletes the message body along with its
// task-identifier side key. Idempotent: SREM/DEL on an absent
// member/key is a no-op.
//
// KEYS: 1=queueConcKey 2=envConcKey 3=taskConcKey 4=inflightKey
//
//	5=messageKey 6=taskIdentifierKey
//
// ARGV: 1=messageID
var ackScript = redis.NewScript(`
local queueConcKey, envConcKey, taskConcKey = KEYS[1], KEYS[2], KEYS[3]
local inflightKey, messageKey, taskIdentifierKey = KEYS[4], KEYS[5], KEYS[6]
local id = ARGV[1]

redis.call('SREM', queueConcKey, id)
redis.call('SREM', envConcKey, id)
if taskConcKey ~= '' then
  redis.call('SREM', taskConcKey, id)
end
redis.call('SREM', inflightKey, id)
redis.call('DEL', messageKey)
redis.call('DEL', taskIdentifierKey)
return 1
`)

// nackScript releases the concurrency slots held by a message and
// re-inserts it into its queue at the given score, without touching the
// message body.
//
// KEYS: 1=queueConcKey 2=envConcKey 3=taskConcKey 4=inflightKey 5=queueKey
// ARGV: 1=messageID 2=score
var nackScript = redis.NewScript(`
local queueConcKey, envConcKey, taskConcKey = KEYS[1], KEYS[2], KEYS[3]
local inflightKey, queueKey = KEYS[4], KEYS[5]
local id, score = ARGV[1], ARGV[2]

redis.call('SREM', queueConcKey, id)
redis.call('SREM', envConcKey, id)
if taskConcKey ~= '' then
  redis.call('SREM', taskConcKey, id)
end
redis.call('SREM', inflightKey, id)
redis.call('ZADD', queueKey, score, id)
return 1
`)

// reacquireScript attempts to re-take the three concurrency slots for a
// message without re-dequeueing it, used when resuming a run after
// suspension. Fails (returns 0) if any limit would be exceeded, signalling
// the caller must re-queue instead.
//
// KEYS: 1=queueConcKey 2=queueLimitKey 3=envConcKey 4=envLimitKey
//
//	5=taskConcKey 6=taskLimitKey
//
// ARGV: 1=messageID
var reacquireScript = redis.NewScript(`
local queueConcKey, queueLimitKey = KEYS[1], KEYS[2]
local envConcKey, envLimitKey = KEYS[3], KEYS[4]
local taskConcKey, taskLimitKey = KEYS[5], KEYS[6]
local id = ARGV[1]

local queueLimit = tonumber(redis.call('GET', queueLimitKey))
if queueLimit and redis.call('SCARD', queueConcKey) >= queueLimit then
  return 0
end
local envLimit = tonumber(redis.call('GET', envLimitKey))
if envLimit and redis.call('SCARD', envConcKey) >= envLimit then
  return 0
end
if taskConcKey ~= '' then
  local taskLimit = tonumber(redis.call('GET', taskLimitKey))
  if taskLimit and redis.call('SCARD', taskConcKey) >= taskLimit then
    return 0
  end
end

redis.call('SADD', queueConcKey, id)
redis.call('SADD', envConcKey, id)
if taskConcKey ~= '' then
  redis.call('SADD', taskConcKey, id)
end
return 1
`)
