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

// Package keys produces the canonical Redis key strings for every
// queue/concurrency construct used by the run queue. Embedding
// (org, project, envType, env, queue[, concurrencyKey]) into the key path
// lets a single SCAN pattern recover all queues for a tenant, and keeps
// concurrency counters namespaced identically to their owning queue so
// atomic scripts can derive one from the other without a round trip.
package keys

import (
	"fmt"
	"strings"
)

// Producer builds namespaced keys under a configurable prefix.
type Producer struct {
	Prefix string
}

func New(prefix string) *Producer {
	if prefix == "" {
		prefix = "runengine:"
	}
	return &Producer{Prefix: prefix}
}

// QueueDescriptor identifies a queue (and optionally a concurrency-key
// sub-partition of it) for key derivation.
type QueueDescriptor struct {
	OrganizationID  string
	ProjectID       string
	EnvironmentType string
	EnvironmentID   string
	QueueName       string
	ConcurrencyKey  string
}

// QueueKey is the sorted-set key holding message ids ordered by score.
func (p *Producer) QueueKey(d QueueDescriptor) string {
	base := fmt.Sprintf("%sorg:%s:proj:%s:envType:%s:env:%s:queue:%s",
		p.Prefix, d.OrganizationID, d.ProjectID, d.EnvironmentType, d.EnvironmentID, d.QueueName)
	if d.ConcurrencyKey != "" {
		base += ":ck:" + d.ConcurrencyKey
	}
	return base
}

// QueueConcurrencyLimitKey holds the scalar concurrency limit for a queue.
func (p *Producer) QueueConcurrencyLimitKey(queueKey string) string {
	return queueKey + ":concurrency"
}

// QueueCurrentConcurrencyKey holds the set of in-flight message ids for a
// queue (its cardinality is the current concurrency).
func (p *Producer) QueueCurrentConcurrencyKey(queueKey string) string {
	return queueKey + ":currentConcurrency"
}

// envBase derives the env-level key path from a queue descriptor, without
// needing to re-read any state: it is a strict prefix of QueueKey.
func (p *Producer) envBase(d QueueDescriptor) string {
	return fmt.Sprintf("%sorg:%s:proj:%s:envType:%s:env:%s",
		p.Prefix, d.OrganizationID, d.ProjectID, d.EnvironmentType, d.EnvironmentID)
}

func (p *Producer) EnvConcurrencyLimitKey(d QueueDescriptor) string {
	return p.envBase(d) + ":concurrency"
}

func (p *Producer) EnvCurrentConcurrencyKey(d QueueDescriptor) string {
	return p.envBase(d) + ":currentConcurrency"
}

// TaskConcurrencyKey is the per-task-identifier current-concurrency
// counter, scoped to the owning environment.
func (p *Producer) TaskConcurrencyKey(d QueueDescriptor, taskIdentifier string) string {
	return p.envBase(d) + ":task:" + taskIdentifier + ":currentConcurrency"
}

// TaskConcurrencyLimitKey holds the scalar concurrency limit for a
// per-task-identifier counter, mirroring QueueConcurrencyLimitKey's
// "currentConcurrency"/"concurrency" suffix convention.
func (p *Producer) TaskConcurrencyLimitKey(d QueueDescriptor, taskIdentifier string) string {
	return p.envBase(d) + ":task:" + taskIdentifier + ":concurrency"
}

// SharedQueueKey is the master queue supervisors long-poll against.
// DEVELOPMENT environments get their own isolated shared queue; all other
// environment types share one master queue per organization.
func (p *Producer) SharedQueueKey(d QueueDescriptor) string {
	if strings.EqualFold(d.EnvironmentType, "DEVELOPMENT") {
		return p.envBase(d) + ":sharedQueue"
	}
	return p.Prefix + "sharedQueue"
}

// MessageKey is where a message body is stored by reference; queue lists
// only ever hold the id.
func (p *Producer) MessageKey(messageID string) string {
	return p.Prefix + "message:" + messageID
}

// messageTaskIdentifierKeySuffix is appended after the message id in
// MessageTaskIdentifierKey; MessageTaskIdentifierKeyParts exposes the
// prefix/suffix split so the dequeue script can rebuild the key for
// whichever id it selects without Go needing to know that id in advance.
const messageTaskIdentifierKeySuffix = ":taskIdentifier"

// MessageTaskIdentifierKey stores the task identifier of a queued message.
// A shared queue can hold messages from more than one task identifier, so
// the dequeue script doesn't know which per-task concurrency counter to
// gate against until it has picked a candidate off the sorted set; this
// side key lets it resolve that without parsing the message body.
func (p *Producer) MessageTaskIdentifierKey(messageID string) string {
	return p.Prefix + "message:" + messageID + messageTaskIdentifierKeySuffix
}

// MessageTaskIdentifierKeyParts returns the prefix and suffix that
// surround a message id in MessageTaskIdentifierKey, for callers (the
// dequeue script) that only learn the id at run time.
func (p *Producer) MessageTaskIdentifierKeyParts() (prefix, suffix string) {
	return p.Prefix + "message:", messageTaskIdentifierKeySuffix
}

// InFlightKey is the in-flight set for a given consumer, used to track
// which messages it has dequeued but not yet acknowledged.
func (p *Producer) InFlightKey(consumerID string) string {
	return p.Prefix + "inflight:" + consumerID
}

// RunMessageKey stores a blocked run's message body by runID, so that
// blockRunWithWaitpoint can release concurrency without losing the payload
// needed to reconstruct the message on unblock.
func (p *Producer) RunMessageKey(runID string) string {
	return p.Prefix + "runMessage:" + runID
}

// ParseQueueKey derives the owning QueueDescriptor back out of a key
// produced by QueueKey, used by admin/SCAN tooling.
func ParseQueueKey(prefix, key string) (QueueDescriptor, bool) {
	rest := strings.TrimPrefix(key, prefix)
	if rest == key && prefix != "" {
		return QueueDescriptor{}, false
	}
	parts := strings.Split(rest, ":")
	d := QueueDescriptor{}
	for i := 0; i+1 < len(parts); i += 2 {
		switch parts[i] {
		case "org":
			d.OrganizationID = parts[i+1]
		case "proj":
			d.ProjectID = parts[i+1]
		case "envType":
			d.EnvironmentType = parts[i+1]
		case "env":
			d.EnvironmentID = parts[i+1]
		case "queue":
			d.QueueName = parts[i+1]
		case "ck":
			d.ConcurrencyKey = parts[i+1]
		}
	}
	if d.QueueName == "" {
		return QueueDescriptor{}, false
	}
	return d, true
}
