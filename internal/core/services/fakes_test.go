package services

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"omni-inbox/internal/core/domain"
	"omni-inbox/internal/core/ports"
)

// ============================================================================
// In-memory stores
// ============================================================================

type memChannels struct {
	mu          sync.Mutex
	byID        map[string]*domain.Channel
	deactivated []string
	getErr      error
}

func newMemChannels(chs ...*domain.Channel) *memChannels {
	s := &memChannels{byID: make(map[string]*domain.Channel)}
	for _, ch := range chs {
		s.byID[ch.ID] = ch
	}
	return s
}

func (s *memChannels) GetByID(_ context.Context, id string) (*domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	ch, ok := s.byID[id]
	if !ok || ch.IsDelete {
		return nil, domain.ErrNotFound
	}
	return ch, nil
}

func (s *memChannels) GetByPageID(_ context.Context, pageID string) (*domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	for _, ch := range s.byID {
		if ch.Facebook != nil && ch.Facebook.PageID == pageID && !ch.IsDelete {
			return ch, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memChannels) FindByExternalKey(_ context.Context, orgID string, t domain.ChannelType, key string) (*domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *domain.Channel
	for _, ch := range s.byID {
		if ch.Type != t || ch.ExternalKey() != key {
			continue
		}
		if !ch.IsDelete {
			return ch, nil
		}
		if ch.OrganizationID == orgID {
			found = ch
		}
	}
	if found == nil {
		return nil, domain.ErrNotFound
	}
	return found, nil
}

func (s *memChannels) Create(_ context.Context, ch *domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Same rule as uq_channels_active
	for _, other := range s.byID {
		if !other.IsDelete && other.Type == ch.Type && other.ExternalKey() == ch.ExternalKey() {
			return domain.ErrConflict
		}
	}
	s.byID[ch.ID] = ch
	return nil
}

func (s *memChannels) Update(_ context.Context, ch *domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[ch.ID] = ch
	return nil
}

func (s *memChannels) Deactivate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.byID[id]; ok {
		ch.Status = domain.ChannelStatusInactive
	}
	s.deactivated = append(s.deactivated, id)
	return nil
}

type memCustomers struct {
	mu    sync.Mutex
	byKey map[string]*domain.Customer
	byID  map[string]*domain.Customer
}

func newMemCustomers() *memCustomers {
	return &memCustomers{
		byKey: make(map[string]*domain.Customer),
		byID:  make(map[string]*domain.Customer),
	}
}

func (s *memCustomers) GetByUID(_ context.Context, channelID, uid string) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byKey[channelID+"|"+uid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (s *memCustomers) GetByID(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (s *memCustomers) Create(_ context.Context, c *domain.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := c.ChannelID + "|" + c.UID
	if _, ok := s.byKey[key]; ok {
		return domain.ErrConflict
	}
	s.byKey[key] = c
	s.byID[c.ID] = c
	return nil
}

func (s *memCustomers) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// memChats enforces the single active chat per customer like the unique index does
type memChats struct {
	mu      sync.Mutex
	chats   map[string]*domain.Chat
	creates int
}

func newMemChats() *memChats {
	return &memChats{chats: make(map[string]*domain.Chat)}
}

func (s *memChats) GetActive(_ context.Context, orgID, customerID string) (*domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		if c.OrganizationID == orgID && c.CustomerID == customerID && c.IsActive() {
			return c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memChats) GetByID(_ context.Context, id string) (*domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func (s *memChats) Create(_ context.Context, chat *domain.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creates++
	if chat.IsActive() {
		for _, c := range s.chats {
			if c.OrganizationID == chat.OrganizationID && c.CustomerID == chat.CustomerID && c.IsActive() {
				return domain.ErrConflict
			}
		}
	}
	s.chats[chat.ID] = chat
	return nil
}

func (s *memChats) put(c *domain.Chat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[c.ID] = c
}

func (s *memChats) activeCount(customerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.chats {
		if c.CustomerID == customerID && c.IsActive() {
			n++
		}
	}
	return n
}

type memMessages struct {
	mu      sync.Mutex
	msgs    []*domain.Message
	saveErr error
}

func (s *memMessages) Save(_ context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	// Same rule as uq_messages_provider
	if msg.ProviderMessageID != "" {
		for _, m := range s.msgs {
			if m.ChannelID == msg.ChannelID && m.ProviderMessageID == msg.ProviderMessageID {
				return domain.ErrConflict
			}
		}
	}
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *memMessages) ListByChat(_ context.Context, chatID string, limit int) ([]*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Message
	for _, m := range s.msgs {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memMessages) MarkRead(_ context.Context, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var changed int64
	for _, m := range s.msgs {
		if want[m.ID] && !m.IsRead {
			m.IsRead = true
			changed++
		}
	}
	return changed, nil
}

func (s *memMessages) MarkChatRead(_ context.Context, chatID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed int64
	for _, m := range s.msgs {
		if m.ChatID == chatID && m.Direction == domain.DirectionInbound && !m.IsRead {
			m.IsRead = true
			changed++
		}
	}
	return changed, nil
}

func (s *memMessages) SetError(_ context.Context, id string, isError bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.ID == id {
			m.IsError = isError
		}
	}
	return nil
}

func (s *memMessages) all() []*domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*domain.Message(nil), s.msgs...)
}

func (s *memMessages) byDirection(d domain.Direction) []*domain.Message {
	var out []*domain.Message
	for _, m := range s.all() {
		if m.Direction == d {
			out = append(out, m)
		}
	}
	return out
}

type memReplies struct {
	welcome   *domain.Reply
	responses []*domain.Reply
	lookups   []string
}

func (s *memReplies) LatestActiveWelcome(_ context.Context, _ string) (*domain.Reply, error) {
	if s.welcome == nil {
		return nil, domain.ErrNotFound
	}
	return s.welcome, nil
}

func (s *memReplies) ResponseByKeyword(_ context.Context, _ string, keyword string) (*domain.Reply, error) {
	s.lookups = append(s.lookups, keyword)
	for _, r := range s.responses {
		for _, k := range r.Keywords {
			if domain.NormalizeKeyword(k) == keyword {
				return r, nil
			}
		}
	}
	return nil, domain.ErrNotFound
}

type memNotifications struct {
	mu          sync.Mutex
	subscribers []domain.NotificationSetting
	settings    map[string]*domain.NotificationSetting
	recorded    []*domain.Notification
	recipients  [][]string
}

func (s *memNotifications) ChatSubscribers(_ context.Context, _ string) ([]domain.NotificationSetting, error) {
	return s.subscribers, nil
}

func (s *memNotifications) SettingFor(_ context.Context, _ string, userID string) (*domain.NotificationSetting, error) {
	if st, ok := s.settings[userID]; ok {
		return st, nil
	}
	return nil, domain.ErrNotFound
}

func (s *memNotifications) Record(_ context.Context, n *domain.Notification, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, n)
	s.recipients = append(s.recipients, userIDs)
	return nil
}

type memOrgs struct {
	orgs map[string]*domain.Organization
}

func (s *memOrgs) GetByID(_ context.Context, id string) (*domain.Organization, error) {
	if o, ok := s.orgs[id]; ok {
		return o, nil
	}
	return nil, domain.ErrNotFound
}

type memDedup struct {
	mu   sync.Mutex
	seen map[string]time.Duration
}

func newMemDedup() *memDedup {
	return &memDedup{seen: make(map[string]time.Duration)}
}

func (s *memDedup) Claim(_ context.Context, id string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false, nil
	}
	s.seen[id] = ttl
	return true, nil
}

func (s *memDedup) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seen, id)
	return nil
}

func (s *memDedup) claimed(id string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ttl, ok := s.seen[id]
	return ttl, ok
}

type memWebhookLogs struct {
	mu       sync.Mutex
	logs     map[int64]*domain.WebhookLog
	nextID   int64
	purgeArg time.Time
	purged   int64
}

func newMemWebhookLogs() *memWebhookLogs {
	return &memWebhookLogs{logs: make(map[int64]*domain.WebhookLog)}
}

func (s *memWebhookLogs) SaveLog(_ context.Context, log *domain.WebhookLog) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	log.ID = s.nextID
	s.logs[log.ID] = log
	return log.ID, nil
}

func (s *memWebhookLogs) UpdateStatus(_ context.Context, id int64, status string, errorLog *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[id]; ok {
		l.Status = status
		l.ErrorLog = errorLog
	}
	return nil
}

func (s *memWebhookLogs) PurgeBefore(_ context.Context, cutoff time.Time, _ int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeArg = cutoff
	return s.purged, nil
}

func (s *memWebhookLogs) status(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[id]; ok {
		return l.Status
	}
	return ""
}

type memMedia struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemMedia() *memMedia {
	return &memMedia{objects: make(map[string][]byte)}
}

func (s *memMedia) Put(_ context.Context, key string, r io.Reader, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return nil
}

func (s *memMedia) Copy(_ context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[src]
	if !ok {
		return fmt.Errorf("copy %s: %w", src, domain.ErrNotFound)
	}
	s.objects[dst] = data
	return nil
}

func (s *memMedia) URL(key string) string {
	return "https://media.test/" + key
}

func (s *memMedia) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type memBus struct {
	mu     sync.Mutex
	events []domain.LiveEvent
}

func (b *memBus) Publish(_ context.Context, ev domain.LiveEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *memBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// ============================================================================
// Mock gateways
// ============================================================================

type MockProfileFetcher struct {
	mock.Mock
}

func (m *MockProfileFetcher) FetchProfile(ctx context.Context, ch *domain.Channel, uid string) (*domain.Profile, error) {
	args := m.Called(ctx, ch, uid)
	switch p := args.Get(0).(type) {
	case func(context.Context, *domain.Channel, string) *domain.Profile:
		return p(ctx, ch, uid), args.Error(1)
	case *domain.Profile:
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockContentFetcher struct {
	mock.Mock
}

func (m *MockContentFetcher) FetchMessageContent(ctx context.Context, ch *domain.Channel, id string) (*ports.RemoteContent, error) {
	args := m.Called(ctx, ch, id)
	if c := args.Get(0); c != nil {
		return c.(*ports.RemoteContent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockContentFetcher) FetchURL(ctx context.Context, url string) (*ports.RemoteContent, error) {
	args := m.Called(ctx, url)
	if c := args.Get(0); c != nil {
		return c.(*ports.RemoteContent), args.Error(1)
	}
	return nil, args.Error(1)
}

type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, ch *domain.Channel, customer *domain.Customer, msg *domain.Message) error {
	args := m.Called(ctx, ch, customer, msg)
	return args.Error(0)
}

// sentTexts returns the text of every delivered text message in call order
func (m *MockSender) sentTexts() []string {
	var out []string
	for _, call := range m.Calls {
		msg := call.Arguments.Get(3).(*domain.Message)
		if p, err := msg.Payload(); err == nil {
			if tp, ok := p.(*domain.TextPayload); ok {
				out = append(out, tp.Text)
				continue
			}
		}
		out = append(out, string(msg.Type))
	}
	return out
}

type MockPush struct {
	mock.Mock
}

func (m *MockPush) Send(ctx context.Context, token string, msg domain.PushMessage) error {
	args := m.Called(ctx, token, msg)
	return args.Error(0)
}

func (m *MockPush) Multicast(ctx context.Context, tokens []string, msg domain.PushMessage) (int, error) {
	args := m.Called(ctx, tokens, msg)
	return args.Int(0), args.Error(1)
}

// ============================================================================
// Fixtures
// ============================================================================

const (
	testOrgID      = "org-1"
	testLineSecret = "line-secret"
)

func lineChannel() *domain.Channel {
	return &domain.Channel{
		ID:             "ch-line",
		OrganizationID: testOrgID,
		Name:           "Shop LINE",
		Type:           domain.ChannelTypeLine,
		Status:         domain.ChannelStatusActive,
		Line:           &domain.LineCredentials{ChannelID: "1650000000", ChannelSecret: testLineSecret, AccessToken: "line-token"},
	}
}

func facebookChannel() *domain.Channel {
	return &domain.Channel{
		ID:             "ch-fb",
		OrganizationID: testOrgID,
		Name:           "Shop Page",
		Type:           domain.ChannelTypeFacebook,
		Status:         domain.ChannelStatusActive,
		Facebook:       &domain.FacebookCredentials{PageID: "PAGE_1", PageAccessToken: "page-token"},
	}
}

func testCustomer(ch *domain.Channel, uid string) *domain.Customer {
	return &domain.Customer{
		ID:             "cus-" + uid,
		OrganizationID: ch.OrganizationID,
		ChannelID:      ch.ID,
		UID:            uid,
		Display:        "Display " + uid,
	}
}

func remote(body, contentType, ext string) *ports.RemoteContent {
	return &ports.RemoteContent{
		Body:        io.NopCloser(strings.NewReader(body)),
		ContentType: contentType,
		Ext:         ext,
	}
}

func textMessage(t string) *domain.Message {
	data, _ := domain.EncodePayload(&domain.TextPayload{Text: t})
	return &domain.Message{ID: "msg-" + t, Type: domain.MessageTypeText, Data: data, Direction: domain.DirectionInbound}
}
