package realtime

import (
	"fmt"
	"strings"

	"github.com/findmydoctor/courier/internal/auth"
)

// TopicKind distinguishes conversation topics from per-user notification feeds.
type TopicKind string

const (
	TopicKindChat   TopicKind = "chat"
	TopicKindNotify TopicKind = "notify"
)

const (
	topicSeparator      = ":"
	conversationJoiner  = "-"
	maxTopicIDLength    = 190
	invalidIDCharacters = ":/ \t\r\n"
)

// Topic is the key of a conversation or notification feed, e.g. "chat:12-40" or "notify:42".
type Topic string

// ChatTopic addresses a conversation.
func ChatTopic(conversationID string) (Topic, error) {
	return newTopic(TopicKindChat, conversationID)
}

// NotifyTopic addresses the notification feed of a user.
func NotifyTopic(userID string) (Topic, error) {
	return newTopic(TopicKindNotify, userID)
}

// ParseTopic validates the raw key form of a topic.
func ParseTopic(raw string) (Topic, error) {
	kind, id, found := strings.Cut(strings.TrimSpace(raw), topicSeparator)
	if !found {
		return "", fmt.Errorf("%w: %q", ErrInvalidTopic, raw)
	}
	return newTopic(TopicKind(kind), id)
}

func newTopic(kind TopicKind, id string) (Topic, error) {
	if kind != TopicKindChat && kind != TopicKindNotify {
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidTopic, kind)
	}
	if err := validateTopicID(id); err != nil {
		return "", err
	}
	return Topic(string(kind) + topicSeparator + id), nil
}

func validateTopicID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidTopic)
	}
	if len(id) > maxTopicIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidTopic, maxTopicIDLength)
	}
	if strings.ContainsAny(id, invalidIDCharacters) {
		return fmt.Errorf("%w: id %q contains reserved characters", ErrInvalidTopic, id)
	}
	return nil
}

// Kind returns the topic kind.
func (t Topic) Kind() TopicKind {
	kind, _, _ := strings.Cut(string(t), topicSeparator)
	return TopicKind(kind)
}

// ID returns the conversation or user id part of the topic.
func (t Topic) ID() string {
	_, id, _ := strings.Cut(string(t), topicSeparator)
	return id
}

// String returns the topic key.
func (t Topic) String() string {
	return string(t)
}

// ConversationID resolves the conversation shared by two participants. The pair is ordered
// lexically so both sides derive the same id without knowing the other's role. Participant ids
// may not contain the joiner, which keeps distinct pairs on distinct conversations.
func ConversationID(selfID, peerID string) (string, error) {
	self := strings.TrimSpace(selfID)
	peer := strings.TrimSpace(peerID)
	for _, participant := range []string{self, peer} {
		if err := validateTopicID(participant); err != nil {
			return "", err
		}
		if strings.Contains(participant, conversationJoiner) {
			return "", fmt.Errorf("%w: participant %q contains %q", ErrInvalidTopic, participant, conversationJoiner)
		}
	}
	if self == peer {
		return "", fmt.Errorf("%w: conversation with self", ErrInvalidTopic)
	}
	if peer < self {
		self, peer = peer, self
	}
	return self + conversationJoiner + peer, nil
}

// TopicSelector is the topic addressing carried by a connection request.
type TopicSelector struct {
	Kind   TopicKind
	Target string
}

// ResolveTopic turns a selector into a topic for an authenticated principal.
// Notification feeds may only be opened by their owner.
func ResolveTopic(principal auth.Principal, selector TopicSelector) (Topic, error) {
	target := strings.TrimSpace(selector.Target)
	switch selector.Kind {
	case TopicKindNotify:
		if target == "" || target == auth.SelfAlias {
			target = principal.ID
		}
		if target != principal.ID {
			return "", fmt.Errorf("%w: notification feed of %q", auth.ErrIdentityMismatch, target)
		}
		return NotifyTopic(target)
	case TopicKindChat:
		conversationID, err := ConversationID(principal.ID, target)
		if err != nil {
			return "", err
		}
		return ChatTopic(conversationID)
	default:
		return "", fmt.Errorf("%w: unknown selector kind %q", ErrInvalidTopic, selector.Kind)
	}
}
