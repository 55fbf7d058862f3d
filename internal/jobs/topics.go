// ABOUTME: MQTT topic layout of the job coordination protocol for one thing.
// ABOUTME: Also provides wildcard topic matching used for routing replies.

package jobs

import "strings"

// Topics builds the request and reply topics scoped to one thing.
type Topics struct {
	prefix string
}

// NewTopics returns the topic layout for thingName.
func NewTopics(thingName string) Topics {
	return Topics{prefix: "$aws/things/" + thingName + "/jobs"}
}

// Prefix is the root of every job topic for the thing.
func (t Topics) Prefix() string { return t.prefix }

// GetPending is the list-pending request topic.
func (t Topics) GetPending() string { return t.prefix + "/get" }

// Describe is the describe request topic for jobID.
func (t Topics) Describe(jobID string) string { return t.prefix + "/" + jobID + "/get" }

// DescribeAny matches describe replies for every job when suffixed.
func (t Topics) DescribeAny() string { return t.prefix + "/+/get" }

// StartNext is the claim-next request topic.
func (t Topics) StartNext() string { return t.prefix + "/start-next" }

// NotifyNext is the change notification feed.
func (t Topics) NotifyNext() string { return t.prefix + "/notify-next" }

// Update is the status update request topic for jobID.
func (t Topics) Update(jobID string) string { return t.prefix + "/" + jobID + "/update" }

// UpdateAny matches update replies for every job when suffixed.
func (t Topics) UpdateAny() string { return t.prefix + "/+/update" }

// Accepted returns the accepted reply topic for a request topic.
func Accepted(topic string) string { return topic + "/accepted" }

// Rejected returns the rejected reply topic for a request topic.
func Rejected(topic string) string { return topic + "/rejected" }

// JobIDFromTopic extracts the job id from a per-job topic such as
// ".../jobs/<jobId>/update/accepted". It returns "" when there is none.
func (t Topics) JobIDFromTopic(topic string) string {
	rest, ok := strings.CutPrefix(topic, t.prefix+"/")
	if !ok {
		return ""
	}
	id, _, found := strings.Cut(rest, "/")
	if !found {
		return ""
	}
	switch id {
	case "get", "start-next", "notify-next", "notify":
		return ""
	}
	return id
}

// TopicMatches reports whether topic matches an MQTT subscription filter
// using the single-level (+) and multi-level (#) wildcards.
func TopicMatches(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")

	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
