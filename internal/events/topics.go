package events

import (
	"strings"

	"github.com/google/uuid"

	"github.com/asotonet/isp-billing/internal/model"
)

// Subject naming: <prefix>.<domain>.<name>, e.g. "isp.router.offline".

const DomainRouter = "router"

func RouterTopic(t model.EventType) string {
	return DomainRouter + "." + strings.ToLower(string(t))
}

// RouterTopics matches every router event.
const RouterTopics = DomainRouter + ".>"

func NewID() string { return uuid.NewString() }

// Subject prepends the deployment prefix to topic.
func Subject(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}
