// Package broker implements the collaborators a working MQTT broker
// needs around the core channel engine: topic-wildcard matching,
// subscription storage, retained messages, credential lookup and
// per-client in-flight admission control.
package broker

import "strings"

// Match is one subscriber's interest in a topic that a Publish landed
// on: its client id and the QoS it was granted for the filter that
// matched.
type Match struct {
	ClientID string
	QoS      byte
}

// topicNode is one segment of the wildcard trie. Literal segments,
// "+" and "#" are all ordinary map keys; the matching rules that make
// them special live in Tree.Match.
type topicNode struct {
	children map[string]*topicNode
	subs     map[string]byte // clientID -> granted QoS, for filters ending exactly here
}

func newTopicNode() *topicNode {
	return &topicNode{children: make(map[string]*topicNode), subs: make(map[string]byte)}
}

// Tree is a trie-based matcher for MQTT's '+' (single level) and '#'
// (trailing multi-level) wildcard topic filters.
type Tree struct {
	root *topicNode
}

// NewTree returns an empty topic tree.
func NewTree() *Tree {
	return &Tree{root: newTopicNode()}
}

// Subscribe records that clientID wants filter at qos, replacing any
// QoS previously granted to clientID for the same filter.
func (t *Tree) Subscribe(clientID, filter string, qos byte) {
	n := t.root
	for _, seg := range strings.Split(filter, "/") {
		child, ok := n.children[seg]
		if !ok {
			child = newTopicNode()
			n.children[seg] = child
		}
		n = child
	}
	n.subs[clientID] = qos
}

// Unsubscribe removes clientID's subscription to filter, if any.
func (t *Tree) Unsubscribe(clientID, filter string) {
	n := t.root
	for _, seg := range strings.Split(filter, "/") {
		child, ok := n.children[seg]
		if !ok {
			return
		}
		n = child
	}
	delete(n.subs, clientID)
}

// UnsubscribeAll removes every subscription belonging to clientID,
// walking the whole tree. Used when a client's session ends.
func (t *Tree) UnsubscribeAll(clientID string) {
	var walk func(n *topicNode)
	walk = func(n *topicNode) {
		delete(n.subs, clientID)
		for _, child := range n.children {
			walk(child)
		}
	}
	walk(t.root)
}

// FilterMatches reports whether a single topic filter matches topic,
// applying the same '+'/'#' wildcard rules as Tree.Match. Used for
// matching one retained message against one newly subscribed filter,
// where building a one-entry tree would be overkill.
func FilterMatches(filter, topic string) bool {
	return matchSegments(strings.Split(filter, "/"), strings.Split(topic, "/"))
}

func matchSegments(filter, topic []string) bool {
	for i, seg := range filter {
		if seg == "#" {
			return true
		}
		if i >= len(topic) {
			return false
		}
		if seg != "+" && seg != topic[i] {
			return false
		}
	}
	return len(filter) == len(topic)
}

// Match returns every subscriber whose filter matches topic, per MQTT
// 3.1's wildcard rules: '+' matches exactly one segment, a trailing
// '#' matches that segment and everything after it (including zero
// further segments).
func (t *Tree) Match(topic string) []Match {
	segs := strings.Split(topic, "/")
	var out []Match

	var walk func(n *topicNode, i int)
	walk = func(n *topicNode, i int) {
		if i == len(segs) {
			for clientID, qos := range n.subs {
				out = append(out, Match{ClientID: clientID, QoS: qos})
			}
			if hash, ok := n.children["#"]; ok {
				for clientID, qos := range hash.subs {
					out = append(out, Match{ClientID: clientID, QoS: qos})
				}
			}
			return
		}
		seg := segs[i]
		if child, ok := n.children[seg]; ok {
			walk(child, i+1)
		}
		if child, ok := n.children["+"]; ok {
			walk(child, i+1)
		}
		if hash, ok := n.children["#"]; ok {
			for clientID, qos := range hash.subs {
				out = append(out, Match{ClientID: clientID, QoS: qos})
			}
		}
	}
	walk(t.root, 0)
	return out
}
