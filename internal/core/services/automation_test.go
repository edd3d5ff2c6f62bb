package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"omni-inbox/internal/core/domain"
)

type automationFixture struct {
	engine   *AutomationEngine
	replies  *memReplies
	messages *memMessages
	channels *memChannels
	media    *memMedia
	sender   *MockSender
	panic    *PanicMode
	event    InboundEvent
}

func newAutomationFixture(t *testing.T) *automationFixture {
	t.Helper()
	ch := lineChannel()
	customer := testCustomer(ch, "U1")
	customer.Display = "Alice"

	f := &automationFixture{
		replies:  &memReplies{},
		messages: &memMessages{},
		channels: newMemChannels(ch),
		media:    newMemMedia(),
		sender:   new(MockSender),
		panic:    NewPanicMode(),
	}
	messages := NewMessageService(f.messages, newMemChats(), newMemCustomers(), f.channels, f.sender, f.media)
	f.engine = NewAutomationEngine(f.replies, messages, f.media, f.panic)
	f.event = InboundEvent{
		Channel:  ch,
		Customer: customer,
		Chat:     &domain.Chat{ID: "chat-1", OrganizationID: testOrgID, CustomerID: customer.ID, Status: domain.ChatStatusOpen},
		Message:  textMessage("hello"),
	}
	return f
}

func TestAutomation_WelcomeOnNewChat(t *testing.T) {
	f := newAutomationFixture(t)
	f.replies.welcome = &domain.Reply{
		ID:    "welcome",
		Event: domain.ReplyEventWelcome,
		Responses: []domain.ReplyFragment{
			{Type: domain.MessageTypeText, Text: "Hi {{displayName}}"},
			{Type: domain.MessageTypeText, Text: "This is {{accountName}}"},
		},
	}
	f.sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.event.IsNewChat = true

	sent := f.engine.Handle(context.Background(), f.event)

	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"Hi Alice", "This is Admin"}, f.sender.sentTexts())
	for _, m := range f.messages.all() {
		assert.Equal(t, domain.DirectionOutbound, m.Direction)
		assert.Equal(t, "chat-1", m.ChatID)
		assert.True(t, m.IsRead)
	}
}

func TestAutomation_NoWelcomeConfigured(t *testing.T) {
	f := newAutomationFixture(t)
	f.event.IsNewChat = true

	assert.Zero(t, f.engine.Handle(context.Background(), f.event))
	f.sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAutomation_KeywordResponseInOrder(t *testing.T) {
	f := newAutomationFixture(t)
	f.media.objects["org-1/reply/refund.png"] = []byte("png")
	f.replies.responses = []*domain.Reply{
		{ID: "other", Keywords: []string{"price"}, Responses: []domain.ReplyFragment{{Type: domain.MessageTypeText, Text: "wrong"}}},
		{
			ID:       "refund",
			Keywords: []string{"Refund", "return"},
			Responses: []domain.ReplyFragment{
				{Type: domain.MessageTypeText, Text: "Refunds take 3 days"},
				{Type: domain.MessageTypeImage, Filename: "org-1/reply/refund.png"},
				{Type: domain.MessageTypeButtons, Text: "Pick one", Content: json.RawMessage(`{"actions":[]}`)},
			},
		},
	}
	f.sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.event.Message = textMessage("  REFUND ")

	sent := f.engine.Handle(context.Background(), f.event)

	require.Equal(t, 3, sent)
	assert.Equal(t, []string{"refund"}, f.replies.lookups, "one indexed lookup with the normalized keyword")
	assert.Equal(t, []string{"Refunds take 3 days", "image", "buttons"}, f.sender.sentTexts())

	out := f.messages.all()
	require.Len(t, out, 3)
	img, err := out[1].Payload()
	require.NoError(t, err)
	copied := img.(*domain.MediaPayload).Filename
	assert.Contains(t, copied, "org-1/chat/ch-line/message/cus-U1/")
	assert.Equal(t, []byte("png"), f.media.objects[copied], "reply image is copied per message")

	tpl, err := out[2].Payload()
	require.NoError(t, err)
	assert.Equal(t, "Pick one", tpl.(*domain.TemplatePayload).AltText)
}

func TestAutomation_NoKeywordMatch(t *testing.T) {
	f := newAutomationFixture(t)
	f.replies.responses = []*domain.Reply{
		{ID: "refund", Keywords: []string{"refund"}, Responses: []domain.ReplyFragment{{Type: domain.MessageTypeText, Text: "x"}}},
	}
	f.event.Message = textMessage("refund please")

	assert.Zero(t, f.engine.Handle(context.Background(), f.event))
}

func TestAutomation_BlankTextSkipsLookup(t *testing.T) {
	f := newAutomationFixture(t)
	f.event.Message = textMessage("   ")

	assert.Zero(t, f.engine.Handle(context.Background(), f.event))
	assert.Empty(t, f.replies.lookups)
}

func TestAutomation_NonTextNeverMatches(t *testing.T) {
	f := newAutomationFixture(t)
	f.replies.responses = []*domain.Reply{
		{ID: "any", Keywords: []string{"sticker"}, Responses: []domain.ReplyFragment{{Type: domain.MessageTypeText, Text: "x"}}},
	}
	data, _ := domain.EncodePayload(&domain.StickerPayload{Sticker: "1"})
	f.event.Message = &domain.Message{Type: domain.MessageTypeSticker, Data: data}

	assert.Zero(t, f.engine.Handle(context.Background(), f.event))
}

func TestAutomation_FailedFragmentDoesNotStopOthers(t *testing.T) {
	f := newAutomationFixture(t)
	f.replies.welcome = &domain.Reply{
		ID: "welcome",
		Responses: []domain.ReplyFragment{
			{Type: domain.MessageTypeImage, Filename: "missing.png"},
			{Type: domain.MessageTypeText},
			{Type: domain.MessageTypeText, Text: "one"},
			{Type: domain.MessageTypeText, Text: "two"},
		},
	}
	f.sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.MatchedBy(func(m *domain.Message) bool {
		return string(m.Data) == `{"text":"one"}`
	})).Return(errors.New("provider 500"))
	f.sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	f.event.IsNewChat = true

	sent := f.engine.Handle(context.Background(), f.event)

	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"one", "two"}, f.sender.sentTexts())
	out := f.messages.all()
	require.Len(t, out, 2)
	assert.True(t, out[0].IsError)
	assert.False(t, out[1].IsError)
}

func TestAutomation_PausedSendsNothing(t *testing.T) {
	f := newAutomationFixture(t)
	f.replies.welcome = &domain.Reply{
		ID:        "welcome",
		Responses: []domain.ReplyFragment{{Type: domain.MessageTypeText, Text: "Hi"}},
	}
	f.event.IsNewChat = true
	f.panic.Enable("incident", "ops")

	assert.Zero(t, f.engine.Handle(context.Background(), f.event))
	assert.Empty(t, f.messages.all())

	f.panic.Disable("ops")
	f.sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	assert.Equal(t, 1, f.engine.Handle(context.Background(), f.event))
}
