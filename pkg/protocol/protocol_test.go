package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServerOwned(t *testing.T) {
	for _, topic := range []string{
		TopicChatMessage, TopicChatEnded, TopicChatStarted, TopicCustomerTyping,
		TopicAgentJoined, TopicWidgetReload, TopicChatTyping, TopicFileUpload,
	} {
		assert.True(t, ServerOwned(topic), topic)
	}
	for _, topic := range []string{"", "news", "chatter", "team:chat:message"} {
		assert.False(t, ServerOwned(topic), topic)
	}
}
