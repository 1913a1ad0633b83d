package services

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"aquachat/internal/domain/conversation"
	"aquachat/internal/domain/message"
	"aquachat/internal/domain/user"
	"aquachat/internal/events"
	chaterrors "aquachat/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- fakes ----

type fakeConvRepo struct {
	mu    sync.Mutex
	convs map[uuid.UUID]*conversation.Conversation
	byKey map[string]uuid.UUID
}

func newFakeConvRepo() *fakeConvRepo {
	return &fakeConvRepo{
		convs: make(map[uuid.UUID]*conversation.Conversation),
		byKey: make(map[string]uuid.UUID),
	}
}

func (f *fakeConvRepo) Create(_ context.Context, c *conversation.Conversation) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c.Type == conversation.TypeDirect {
		key := conversation.DirectKeyFor(c.TenantID, c.Participants[0].UserID, c.Participants[1].UserID)
		if existingID, ok := f.byKey[key]; ok {
			*c = *f.convs[existingID]
			return false, nil
		}
		f.byKey[key] = c.ID
	}
	stored := *c
	f.convs[c.ID] = &stored
	return true, nil
}

func (f *fakeConvRepo) GetForUser(_ context.Context, id, userID, tenantID uuid.UUID) (conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.convs[id]
	if !ok || c.TenantID != tenantID || !c.HasParticipant(userID) {
		return conversation.Conversation{}, chaterrors.ErrNotFound
	}
	return *c, nil
}

func (f *fakeConvRepo) ListForUser(_ context.Context, userID, tenantID uuid.UUID, includeArchived bool) ([]conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []conversation.Conversation
	for _, c := range f.convs {
		if c.TenantID != tenantID || !c.HasParticipant(userID) {
			continue
		}
		if !includeArchived {
			archived := false
			for _, p := range c.Participants {
				if p.UserID == userID && p.Archived {
					archived = true
				}
			}
			if archived {
				continue
			}
		}
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeConvRepo) IDsForUser(ctx context.Context, userID, tenantID uuid.UUID) ([]uuid.UUID, error) {
	convs, _ := f.ListForUser(ctx, userID, tenantID, true)
	ids := make([]uuid.UUID, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (f *fakeConvRepo) ContactIDs(ctx context.Context, userID, tenantID uuid.UUID) ([]uuid.UUID, error) {
	convs, _ := f.ListForUser(ctx, userID, tenantID, true)
	seen := map[uuid.UUID]struct{}{}
	var out []uuid.UUID
	for _, c := range convs {
		for _, p := range c.Participants {
			if p.UserID == userID {
				continue
			}
			if _, ok := seen[p.UserID]; ok {
				continue
			}
			seen[p.UserID] = struct{}{}
			out = append(out, p.UserID)
		}
	}
	return out, nil
}

func (f *fakeConvRepo) setFlag(id, userID uuid.UUID, apply func(*conversation.Participant)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.convs[id]
	if !ok {
		return chaterrors.ErrNotFound
	}
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			apply(&c.Participants[i])
			return nil
		}
	}
	return chaterrors.ErrNotFound
}

func (f *fakeConvRepo) SetMuted(_ context.Context, id, userID uuid.UUID, muted bool) error {
	return f.setFlag(id, userID, func(p *conversation.Participant) { p.Muted = muted })
}

func (f *fakeConvRepo) SetPinned(_ context.Context, id, userID uuid.UUID, pinned bool) error {
	return f.setFlag(id, userID, func(p *conversation.Participant) {
		p.PinnedAt.Valid = pinned
		if pinned {
			p.PinnedAt.Time = time.Now()
		}
	})
}

func (f *fakeConvRepo) SetArchived(_ context.Context, id, userID uuid.UUID, archived bool) error {
	return f.setFlag(id, userID, func(p *conversation.Participant) { p.Archived = archived })
}

type fakeMsgRepo struct {
	mu        sync.Mutex
	msgs      map[uuid.UUID]*message.Message
	order     []uuid.UUID
	receipts  map[uuid.UUID]map[uuid.UUID]string
	hides     map[uuid.UUID]map[uuid.UUID]bool
	appendErr error
}

func newFakeMsgRepo() *fakeMsgRepo {
	return &fakeMsgRepo{
		msgs:     make(map[uuid.UUID]*message.Message),
		receipts: make(map[uuid.UUID]map[uuid.UUID]string),
		hides:    make(map[uuid.UUID]map[uuid.UUID]bool),
	}
}

func (f *fakeMsgRepo) Append(_ context.Context, m *message.Message, _ []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.appendErr != nil {
		return f.appendErr
	}
	stored := *m
	f.msgs[m.ID] = &stored
	f.order = append(f.order, m.ID)
	return nil
}

func (f *fakeMsgRepo) GetByID(_ context.Context, id uuid.UUID) (message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.msgs[id]
	if !ok {
		return message.Message{}, chaterrors.ErrNotFound
	}
	return *m, nil
}

func (f *fakeMsgRepo) List(_ context.Context, conversationID, callerID uuid.UUID, _ time.Time, limit int) ([]message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []message.Message
	for _, id := range f.order {
		m := f.msgs[id]
		if m.ConversationID != conversationID || m.DeletedAt.Valid {
			continue
		}
		if f.hides[id][callerID] {
			continue
		}
		out = append(out, *m)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeMsgRepo) Edit(_ context.Context, id, requesterID uuid.UUID, content string) (message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.msgs[id]
	if !ok {
		return message.Message{}, chaterrors.ErrNotFound
	}
	if m.SenderID != requesterID {
		return message.Message{}, chaterrors.ErrPermissionDenied
	}
	m.Content.String = content
	m.Content.Valid = true
	m.EditedAt.Time = time.Now()
	m.EditedAt.Valid = true
	return *m, nil
}

func (f *fakeMsgRepo) DeleteForEveryone(_ context.Context, id, requesterID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.msgs[id]
	if !ok {
		return chaterrors.ErrNotFound
	}
	if m.SenderID != requesterID {
		return chaterrors.ErrPermissionDenied
	}
	m.DeletedAt.Time = time.Now()
	m.DeletedAt.Valid = true
	m.Content = sql.NullString{}
	return nil
}

func (f *fakeMsgRepo) DeleteForMe(_ context.Context, id, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.msgs[id]; !ok {
		return chaterrors.ErrNotFound
	}
	if f.hides[id] == nil {
		f.hides[id] = make(map[uuid.UUID]bool)
	}
	f.hides[id][userID] = true
	return nil
}

func (f *fakeMsgRepo) UpsertReceipt(_ context.Context, messageID, userID uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.receipts[messageID] == nil {
		f.receipts[messageID] = make(map[uuid.UUID]string)
	}
	if message.ReceiptRank(status) > message.ReceiptRank(f.receipts[messageID][userID]) {
		f.receipts[messageID][userID] = status
	}
	return nil
}

func (f *fakeMsgRepo) MarkConversationRead(_ context.Context, conversationID, userID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var changed []uuid.UUID
	for _, id := range f.order {
		m := f.msgs[id]
		if m.ConversationID != conversationID || m.SenderID == userID {
			continue
		}
		if f.receipts[id][userID] == message.ReceiptRead {
			continue
		}
		if f.receipts[id] == nil {
			f.receipts[id] = make(map[uuid.UUID]string)
		}
		f.receipts[id][userID] = message.ReceiptRead
		changed = append(changed, id)
	}
	return changed, nil
}

func (f *fakeMsgRepo) UnreadCount(_ context.Context, conversationID, userID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var count int64
	for _, id := range f.order {
		m := f.msgs[id]
		if m.ConversationID != conversationID || m.SenderID == userID || m.DeletedAt.Valid {
			continue
		}
		if f.hides[id][userID] || f.receipts[id][userID] == message.ReceiptRead {
			continue
		}
		count++
	}
	return count, nil
}

func (f *fakeMsgRepo) receipt(messageID, userID uuid.UUID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[messageID][userID]
}

type emission struct {
	kind    string
	target  string
	event   string
	payload map[string]interface{}
	exclude string
}

type fakeEmitter struct {
	mu        sync.Mutex
	emissions []emission
}

func (f *fakeEmitter) record(e emission) {
	f.mu.Lock()
	f.emissions = append(f.emissions, e)
	f.mu.Unlock()
}

func (f *fakeEmitter) ToConnection(connID, event string, payload map[string]interface{}) bool {
	f.record(emission{kind: "connection", target: connID, event: event, payload: payload})
	return true
}

func (f *fakeEmitter) ToUser(userID uuid.UUID, event string, payload map[string]interface{}) int {
	f.record(emission{kind: "user", target: userID.String(), event: event, payload: payload})
	return 1
}

func (f *fakeEmitter) ToRoom(room, event string, payload map[string]interface{}, excludeConnID string) int {
	f.record(emission{kind: "room", target: room, event: event, payload: payload, exclude: excludeConnID})
	return 1
}

func (f *fakeEmitter) Broadcast(event string, payload map[string]interface{}) int {
	f.record(emission{kind: "broadcast", target: "*", event: event, payload: payload})
	return 1
}

func (f *fakeEmitter) byEvent(event string) []emission {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emission
	for _, e := range f.emissions {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeEmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.emissions)
}

type fakeOnline struct {
	counts map[uuid.UUID]int
}

func (f *fakeOnline) OnlineCount(userID uuid.UUID) int { return f.counts[userID] }

type fakeDirectory struct {
	users map[uuid.UUID]user.User
}

func (f *fakeDirectory) GetDisplay(_ context.Context, id uuid.UUID) (user.User, error) {
	u, ok := f.users[id]
	if !ok {
		return user.User{}, chaterrors.ErrNotFound
	}
	return u, nil
}

// ---- fixture ----

type fixture struct {
	svc      *MessagingService
	convs    *fakeConvRepo
	msgs     *fakeMsgRepo
	emitter  *fakeEmitter
	online   *fakeOnline
	tenantID uuid.UUID
	alice    uuid.UUID
	bob      uuid.UUID
	carol    uuid.UUID
	direct   uuid.UUID // direct conversation between alice and bob
	group    uuid.UUID // group with alice, bob and carol
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		convs:    newFakeConvRepo(),
		msgs:     newFakeMsgRepo(),
		emitter:  &fakeEmitter{},
		tenantID: uuid.New(),
		alice:    uuid.New(),
		bob:      uuid.New(),
		carol:    uuid.New(),
	}
	f.online = &fakeOnline{counts: map[uuid.UUID]int{f.alice: 1, f.bob: 1}}

	directory := &fakeDirectory{users: map[uuid.UUID]user.User{
		f.alice: {ID: f.alice, TenantID: f.tenantID, DisplayName: "Alice"},
		f.bob:   {ID: f.bob, TenantID: f.tenantID, DisplayName: "Bob"},
		f.carol: {ID: f.carol, TenantID: f.tenantID, DisplayName: "Carol"},
	}}

	f.svc = NewMessagingService(f.convs, f.msgs, directory, f.emitter, f.online, nil, nil)

	direct, created, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		CreatorID:    f.alice,
		TenantID:     f.tenantID,
		Type:         conversation.TypeDirect,
		Participants: []uuid.UUID{f.bob},
	})
	require.NoError(t, err)
	require.True(t, created)
	f.direct = direct.ID

	group, created, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		CreatorID:    f.alice,
		TenantID:     f.tenantID,
		Type:         conversation.TypeGroup,
		Participants: []uuid.UUID{f.bob, f.carol},
		Name:         "pond 3 crew",
	})
	require.NoError(t, err)
	require.True(t, created)
	f.group = group.ID

	// Drop the creation noise so tests assert on their own emissions.
	f.emitter.emissions = nil
	return f
}

func (f *fixture) send(t *testing.T, conv uuid.UUID, sender uuid.UUID, content string) *message.Message {
	t.Helper()
	m, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		SenderID:       sender,
		TenantID:       f.tenantID,
		ConversationID: conv,
		Content:        content,
	})
	require.NoError(t, err)
	return m
}

// ---- tests ----

func TestSendMessage_StoreFailureEmitsNothing(t *testing.T) {
	f := newFixture(t)
	f.msgs.appendErr = errors.New("disk full")

	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		SenderID:       f.alice,
		TenantID:       f.tenantID,
		ConversationID: f.direct,
		Content:        "hello",
	})
	require.Error(t, err)
	assert.Zero(t, f.emitter.count(), "no event may leave the process before the durable write")
}

func TestSendMessage_FanOut(t *testing.T) {
	f := newFixture(t)

	m, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		SenderID:           f.alice,
		TenantID:           f.tenantID,
		ConversationID:     f.direct,
		Content:            "feed report ready",
		TempID:             "tmp-1",
		OriginConnectionID: "conn-alice-phone",
	})
	require.NoError(t, err)

	// Ack to the originating device carries the client's temp id.
	sent := f.emitter.byEvent(events.EventMessageSent)
	require.Len(t, sent, 1)
	assert.Equal(t, "conn-alice-phone", sent[0].target)
	assert.Equal(t, "tmp-1", sent[0].payload["tempId"])
	assert.Equal(t, m.ID.String(), sent[0].payload["messageId"])

	// Room broadcast excludes the originator but reaches everyone else.
	fresh := f.emitter.byEvent(events.EventMessageNew)
	require.Len(t, fresh, 1)
	assert.Equal(t, events.ConversationRoom(f.direct), fresh[0].target)
	assert.Equal(t, "conn-alice-phone", fresh[0].exclude)
	assert.NotContains(t, fresh[0].payload, "tempId", "temp id is private to the sender")
	assert.Equal(t, "Alice", fresh[0].payload["sender"].(map[string]interface{})["displayName"])

	// Bob is online, so a DELIVERED receipt lands and the sender hears it.
	assert.Equal(t, message.ReceiptDelivered, f.msgs.receipt(m.ID, f.bob))
	delivered := f.emitter.byEvent(events.EventMessageDelivered)
	require.Len(t, delivered, 1)
	assert.Equal(t, f.alice.String(), delivered[0].target)
}

func TestSendMessage_OfflineRecipientGetsNoReceipt(t *testing.T) {
	f := newFixture(t)
	f.online.counts[f.bob] = 0

	m := f.send(t, f.direct, f.alice, "anyone there?")

	assert.Empty(t, f.msgs.receipt(m.ID, f.bob))
	assert.Empty(t, f.emitter.byEvent(events.EventMessageDelivered))
}

func TestSendMessage_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		SenderID: f.alice, TenantID: f.tenantID, ConversationID: f.direct,
	})
	assert.ErrorIs(t, err, chaterrors.ErrInvalidInput, "empty content without media is rejected")

	_, err = f.svc.SendMessage(context.Background(), SendMessageInput{
		SenderID: f.alice, TenantID: f.tenantID, ConversationID: f.direct,
		Content: "x", Type: "CARRIER_PIGEON",
	})
	assert.ErrorIs(t, err, chaterrors.ErrInvalidInput)
}

func TestSendMessage_NonParticipantSeesNotFound(t *testing.T) {
	f := newFixture(t)
	outsider := uuid.New()

	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		SenderID:       outsider,
		TenantID:       f.tenantID,
		ConversationID: f.direct,
		Content:        "let me in",
	})
	assert.ErrorIs(t, err, chaterrors.ErrNotFound, "membership failures are indistinguishable from absence")
	assert.Zero(t, f.emitter.count())
}

func TestAuthorizeMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.AuthorizeMembership(ctx, f.direct, f.alice, f.tenantID))

	err := f.svc.AuthorizeMembership(ctx, f.direct, uuid.New(), f.tenantID)
	assert.ErrorIs(t, err, chaterrors.ErrNotFound)
}

func TestCreateConversation_DirectIdempotent(t *testing.T) {
	f := newFixture(t)

	// Same pair, opposite initiator.
	conv, created, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		CreatorID:    f.bob,
		TenantID:     f.tenantID,
		Type:         conversation.TypeDirect,
		Participants: []uuid.UUID{f.alice},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, f.direct, conv.ID, "the existing direct conversation wins")

	// The requester learns the winning id; nobody else hears a duplicate.
	acks := f.emitter.byEvent(events.EventConversationCreated)
	require.Len(t, acks, 1)
	assert.Equal(t, f.bob.String(), acks[0].target)
	assert.Equal(t, f.direct.String(), acks[0].payload["conversationId"])
}

func TestCreateConversation_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.CreateConversation(ctx, CreateConversationInput{
		CreatorID: f.alice, TenantID: f.tenantID, Type: "HUDDLE",
		Participants: []uuid.UUID{f.bob},
	})
	assert.ErrorIs(t, err, chaterrors.ErrInvalidInput)

	_, _, err = f.svc.CreateConversation(ctx, CreateConversationInput{
		CreatorID: f.alice, TenantID: f.tenantID, Type: conversation.TypeDirect,
		Participants: []uuid.UUID{f.bob, f.carol},
	})
	assert.ErrorIs(t, err, chaterrors.ErrInvalidInput, "direct means exactly two")

	_, _, err = f.svc.CreateConversation(ctx, CreateConversationInput{
		CreatorID: f.alice, TenantID: f.tenantID, Type: conversation.TypeGroup,
		Participants: []uuid.UUID{f.alice},
	})
	assert.ErrorIs(t, err, chaterrors.ErrInvalidInput, "a group of one is not a conversation")
}

func TestCreateConversation_CreatorIsGroupAdmin(t *testing.T) {
	f := newFixture(t)

	conv, created, err := f.svc.CreateConversation(context.Background(), CreateConversationInput{
		CreatorID:    f.carol,
		TenantID:     f.tenantID,
		Type:         conversation.TypeGroup,
		Participants: []uuid.UUID{f.alice, f.bob},
		Name:         "hatchery",
	})
	require.NoError(t, err)
	require.True(t, created)

	for _, p := range conv.Participants {
		if p.UserID == f.carol {
			assert.Equal(t, conversation.RoleAdmin, p.Role)
		} else {
			assert.Equal(t, conversation.RoleMember, p.Role)
		}
	}
	assert.Len(t, f.emitter.byEvent(events.EventConversationCreated), 3, "one per participant")
}

func TestReceipts_ReadNeverRegresses(t *testing.T) {
	f := newFixture(t)
	m := f.send(t, f.direct, f.alice, "status?")

	require.NoError(t, f.svc.MarkMessageRead(context.Background(), m.ID, f.bob, f.tenantID))
	assert.Equal(t, message.ReceiptRead, f.msgs.receipt(m.ID, f.bob))

	// A late delivered ack must not clobber the read receipt.
	require.NoError(t, f.svc.MarkDelivered(context.Background(), m.ID, f.bob, f.tenantID))
	assert.Equal(t, message.ReceiptRead, f.msgs.receipt(m.ID, f.bob))
}

func TestMarkConversationRead_IdempotentAndClamped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m1 := f.send(t, f.direct, f.alice, "one")
	m2 := f.send(t, f.direct, f.alice, "two")
	f.emitter.emissions = nil

	count, err := f.msgs.UnreadCount(ctx, f.direct, f.bob)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, f.svc.MarkConversationRead(ctx, f.direct, f.bob, f.tenantID))
	read := f.emitter.byEvent(events.EventMessageRead)
	require.Len(t, read, 1, "one read event to the other participant")
	assert.Equal(t, f.alice.String(), read[0].target)
	assert.ElementsMatch(t, []string{m1.ID.String(), m2.ID.String()}, read[0].payload["messageIds"])

	count, err = f.msgs.UnreadCount(ctx, f.direct, f.bob)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	// Second pass changes nothing and stays silent.
	f.emitter.emissions = nil
	require.NoError(t, f.svc.MarkConversationRead(ctx, f.direct, f.bob, f.tenantID))
	assert.Zero(t, f.emitter.count())

	count, err = f.msgs.UnreadCount(ctx, f.direct, f.bob)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "unread count never goes negative")
}

func TestEditMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.direct, f.alice, "typo")
	f.emitter.emissions = nil

	err := f.svc.EditMessage(ctx, m.ID, f.bob, f.tenantID, "hijack")
	assert.ErrorIs(t, err, chaterrors.ErrPermissionDenied, "only the sender edits")

	require.NoError(t, f.svc.EditMessage(ctx, m.ID, f.alice, f.tenantID, "fixed"))
	edited := f.emitter.byEvent(events.EventMessageEdited)
	require.Len(t, edited, 1)
	assert.Equal(t, events.ConversationRoom(f.direct), edited[0].target)
	assert.Equal(t, "fixed", edited[0].payload["content"])
}

func TestDeleteForEveryone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.direct, f.alice, "wrong channel")
	f.emitter.emissions = nil

	err := f.svc.DeleteMessage(ctx, m.ID, f.bob, f.tenantID, true)
	assert.ErrorIs(t, err, chaterrors.ErrPermissionDenied)

	require.NoError(t, f.svc.DeleteMessage(ctx, m.ID, f.alice, f.tenantID, true))
	deleted := f.emitter.byEvent(events.EventMessageDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, "room", deleted[0].kind)

	stored, err := f.msgs.GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, stored.DeletedAt.Valid)
	assert.False(t, stored.Content.Valid, "content is cleared by delete-for-everyone")
}

func TestDeleteForMe_IsInvisibleToOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.send(t, f.direct, f.alice, "keep this")
	f.emitter.emissions = nil

	require.NoError(t, f.svc.DeleteMessage(ctx, m.ID, f.bob, f.tenantID, false))

	deleted := f.emitter.byEvent(events.EventMessageDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, "user", deleted[0].kind)
	assert.Equal(t, f.bob.String(), deleted[0].target, "only the requester's devices hear about it")

	bobView, err := f.svc.ListMessages(ctx, f.direct, f.bob, f.tenantID, time.Time{}, 50)
	require.NoError(t, err)
	assert.Empty(t, bobView)

	aliceView, err := f.svc.ListMessages(ctx, f.direct, f.alice, f.tenantID, time.Time{}, 50)
	require.NoError(t, err)
	require.Len(t, aliceView, 1)
	assert.Equal(t, "keep this", aliceView[0].Content.String)
}

func TestForwardMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.send(t, f.direct, f.alice, "forward me")
	f.emitter.emissions = nil

	fwd, err := f.svc.ForwardMessage(ctx, ForwardMessageInput{
		ForwarderID:        f.alice,
		TenantID:           f.tenantID,
		SourceMessageID:    src.ID,
		TargetConversation: f.group,
	})
	require.NoError(t, err)

	assert.True(t, fwd.IsForwarded)
	assert.Equal(t, src.ID, fwd.ForwardedFromMsgID.UUID)
	assert.Equal(t, "forward me", fwd.Content.String)
	assert.Equal(t, f.group, fwd.ConversationID)

	fresh := f.emitter.byEvent(events.EventMessageNew)
	require.Len(t, fresh, 1)
	assert.Equal(t, events.ConversationRoom(f.group), fresh[0].target)
	assert.Equal(t, src.ID.String(), fresh[0].payload["forwardedFrom"])
}

func TestForwardMessage_DeletedSourceNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.send(t, f.direct, f.alice, "gone soon")
	require.NoError(t, f.svc.DeleteMessage(ctx, src.ID, f.alice, f.tenantID, true))

	_, err := f.svc.ForwardMessage(ctx, ForwardMessageInput{
		ForwarderID:        f.alice,
		TenantID:           f.tenantID,
		SourceMessageID:    src.ID,
		TargetConversation: f.group,
	})
	assert.ErrorIs(t, err, chaterrors.ErrNotFound)
}

func TestListMessages_NonParticipant(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.direct, f.alice, "private")

	_, err := f.svc.ListMessages(context.Background(), f.direct, f.carol, f.tenantID, time.Time{}, 50)
	assert.ErrorIs(t, err, chaterrors.ErrNotFound)
}

func TestOverlayFlags_PrivateToRequester(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.MuteConversation(ctx, f.group, f.bob, f.tenantID, true))
	require.NoError(t, f.svc.PinConversation(ctx, f.group, f.bob, f.tenantID, true))

	updates := f.emitter.byEvent(events.EventConversationUpdated)
	require.Len(t, updates, 2)
	for _, e := range updates {
		assert.Equal(t, "user", e.kind)
		assert.Equal(t, f.bob.String(), e.target)
	}

	summaries, err := f.svc.ListConversations(ctx, f.bob, f.tenantID, false)
	require.NoError(t, err)
	for _, s := range summaries {
		if s.Conversation.ID == f.group {
			assert.True(t, s.Muted)
			assert.True(t, s.Pinned)
		}
	}

	// Alice's view of the same conversation is untouched.
	summaries, err = f.svc.ListConversations(ctx, f.alice, f.tenantID, false)
	require.NoError(t, err)
	for _, s := range summaries {
		assert.False(t, s.Muted)
		assert.False(t, s.Pinned)
	}
}

func TestArchiveHidesFromDefaultList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ArchiveConversation(ctx, f.group, f.bob, f.tenantID, true))

	summaries, err := f.svc.ListConversations(ctx, f.bob, f.tenantID, false)
	require.NoError(t, err)
	for _, s := range summaries {
		assert.NotEqual(t, f.group, s.Conversation.ID)
	}

	summaries, err = f.svc.ListConversations(ctx, f.bob, f.tenantID, true)
	require.NoError(t, err)
	found := false
	for _, s := range summaries {
		if s.Conversation.ID == f.group {
			found = true
			assert.True(t, s.Archived)
		}
	}
	assert.True(t, found, "archived conversations remain reachable on request")
}

func TestUnreadCount_CountsPerConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.send(t, f.direct, f.alice, "d1")
	f.send(t, f.group, f.alice, "g1")
	f.send(t, f.group, f.carol, "g2")

	summaries, err := f.svc.ListConversations(ctx, f.bob, f.tenantID, false)
	require.NoError(t, err)

	byID := map[uuid.UUID]int64{}
	for _, s := range summaries {
		byID[s.Conversation.ID] = s.UnreadCount
	}
	assert.Equal(t, int64(1), byID[f.direct])
	assert.Equal(t, int64(2), byID[f.group])
}
