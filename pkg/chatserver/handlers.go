package chatserver

import (
	"context"
	"net/http"

	"github.com/lightforgemedia/go-supportchat/pkg/broker"
	"github.com/lightforgemedia/go-supportchat/pkg/protocol"
	"github.com/lightforgemedia/go-supportchat/pkg/wire"
)

// brokerSender pushes hub events through the broker.
type brokerSender struct {
	b *broker.Broker
}

func (s brokerSender) SendTo(ctx context.Context, connID, topic string, payload any) error {
	ch, err := s.b.GetClient(connID)
	if err != nil {
		return err
	}
	return ch.Send(ctx, topic, payload)
}

func (s brokerSender) Broadcast(ctx context.Context, topic string, payload any) error {
	return s.b.Publish(ctx, topic, payload)
}

func requireAgent(ch broker.ClientHandle) error {
	if ch.ClientType() != protocol.ClientTypeAgent {
		return wire.Errorf(http.StatusForbidden, "%s is only available to agents", ch.ClientType())
	}
	return nil
}

func (s *Server) registerHandlers() error {
	h := s.hub
	requests := map[string]any{
		protocol.TopicChatStart: func(ch broker.ClientHandle, req protocol.StartChatRequest) (protocol.ChatSnapshot, error) {
			return h.StartChat(ch.ID(), req)
		},
		protocol.TopicChatResume: func(ch broker.ClientHandle, req protocol.ResumeRequest) (protocol.ChatSnapshot, error) {
			return h.ResumeChat(ch.ID(), req)
		},
		protocol.TopicChatValidate: func(ch broker.ClientHandle, req protocol.ValidateRequest) (protocol.ValidateResponse, error) {
			return h.Validate(req), nil
		},
		protocol.TopicChatSend: func(ch broker.ClientHandle, req protocol.SendRequest) (protocol.SendAck, error) {
			return h.SendCustomer(ch.ID(), req)
		},
		protocol.TopicFileUpload: func(ch broker.ClientHandle, req protocol.UploadRequest) (protocol.Attachment, error) {
			return h.Upload(ch.ID(), req)
		},
		protocol.TopicChatEnd: func(ch broker.ClientHandle, req protocol.EndChatRequest) (protocol.EndChatResponse, error) {
			return h.EndByCustomer(ch.ID(), req)
		},
		protocol.TopicAgentList: func(ch broker.ClientHandle, req protocol.AgentListRequest) (protocol.AgentListResponse, error) {
			if err := requireAgent(ch); err != nil {
				return protocol.AgentListResponse{}, err
			}
			return protocol.AgentListResponse{Chats: h.ListChats(req.IncludeEnded)}, nil
		},
		protocol.TopicAgentJoin: func(ch broker.ClientHandle, req protocol.AgentJoinRequest) (protocol.ChatSnapshot, error) {
			if err := requireAgent(ch); err != nil {
				return protocol.ChatSnapshot{}, err
			}
			return h.JoinAgent(ch.ID(), ch.Name(), req)
		},
		protocol.TopicAgentSend: func(ch broker.ClientHandle, req protocol.AgentSendRequest) (protocol.MessageEvent, error) {
			if err := requireAgent(ch); err != nil {
				return protocol.MessageEvent{}, err
			}
			return h.SendAgent(ch.ID(), req)
		},
		protocol.TopicAgentEnd: func(ch broker.ClientHandle, req protocol.EndChatRequest) (protocol.EndChatResponse, error) {
			if err := requireAgent(ch); err != nil {
				return protocol.EndChatResponse{}, err
			}
			return h.EndByAgent(ch.ID(), req)
		},
	}
	for topic, fn := range requests {
		if err := s.broker.HandleClientRequest(topic, fn); err != nil {
			return err
		}
	}

	publishes := map[string]any{
		protocol.TopicChatTyping: func(ch broker.ClientHandle, ev protocol.TypingEvent) error {
			return h.CustomerTyping(ch.ID(), ev)
		},
		protocol.TopicAgentTypingSet: func(ch broker.ClientHandle, ev protocol.TypingEvent) error {
			if err := requireAgent(ch); err != nil {
				return err
			}
			return h.AgentTyping(ch.ID(), ev)
		},
	}
	for topic, fn := range publishes {
		if err := s.broker.HandleClientPublish(topic, fn); err != nil {
			return err
		}
	}
	return nil
}
