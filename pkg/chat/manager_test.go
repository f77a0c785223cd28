package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/walletbridge/pkg/chat"
	"github.com/lrhodin/walletbridge/pkg/native"
	"github.com/lrhodin/walletbridge/pkg/native/memengine"
	"github.com/lrhodin/walletbridge/pkg/session"
)

const (
	alice = "0a1b2c3d"
	bob   = "ffeedd00"
)

func testParams(network string) chat.StartParams {
	return chat.StartParams{
		Network:       network,
		PublicAddress: "/ip4/0.0.0.0/tcp/18189",
		DatastorePath: "/tmp/walletbridge-test",
		Transport:     chat.TransportParams{SocksAddress: "127.0.0.1:9050"},
	}
}

func newTestManager(t *testing.T, opts memengine.Options) (*chat.Manager, *memengine.Engine) {
	engine := memengine.New(opts)
	mgr := chat.NewManager(engine, zerolog.Nop(), nil)
	t.Cleanup(func() {
		mgr.Stop()
		engine.WaitCallbacks()
		assert.Zero(t, engine.LiveTotal(), "native objects leaked")
		assert.Empty(t, engine.Misuse())
	})
	return mgr, engine
}

func TestNoSessionNeverTouchesEngine(t *testing.T) {
	mgr, engine := newTestManager(t, memengine.Options{})

	_, err := mgr.FetchMessages(alice, 10, 0)
	require.ErrorIs(t, err, session.ErrNoSession)
	require.ErrorIs(t, mgr.Send("hi", alice), session.ErrNoSession)
	require.ErrorIs(t, mgr.AddContact(alice), session.ErrNoSession)
	_, err = mgr.OnlineStatus(alice)
	require.ErrorIs(t, err, session.ErrNoSession)

	var serr *session.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, session.KindChat, serr.Kind)
	assert.Zero(t, engine.Calls("create_address"))
}

func TestStartReleasesConstructionHandles(t *testing.T) {
	mgr, engine := newTestManager(t, memengine.Options{})

	require.NoError(t, mgr.Start(context.Background(), testParams("stagenet")))
	assert.Equal(t, 1, engine.Live(native.KindChatClient))
	assert.Zero(t, engine.Live(native.KindConfig))
	assert.Zero(t, engine.Live(native.KindTransportConfig))
	assert.Equal(t, 1, engine.Destroyed(native.KindConfig))
	assert.Equal(t, 1, engine.Destroyed(native.KindTransportConfig))

	require.NoError(t, mgr.Start(context.Background(), testParams("nextnet")))
	assert.Equal(t, 2, engine.Created(native.KindChatClient))
	assert.Equal(t, 1, engine.Destroyed(native.KindChatClient))
	info, ok := mgr.Active()
	require.True(t, ok)
	assert.Equal(t, "nextnet", info.Config.Network)
}

func TestStartFailurePropagatesCode(t *testing.T) {
	mgr, engine := newTestManager(t, memengine.Options{})
	engine.FailOnce("create_chat_client", 428)

	err := mgr.Start(context.Background(), testParams("stagenet"))
	require.Error(t, err)
	code, ok := native.CodeOf(err)
	require.True(t, ok)
	assert.EqualValues(t, 428, code)

	var nerr *native.NativeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, chat.ErrorDomain, nerr.Domain)

	assert.Zero(t, engine.Created(native.KindChatClient))
	assert.Zero(t, engine.Destroyed(native.KindChatClient))
	_, active := mgr.Active()
	assert.False(t, active)
}

func TestStartNullClient(t *testing.T) {
	mgr, engine := newTestManager(t, memengine.Options{})
	engine.ReturnNull("create_chat_client")

	err := mgr.Start(context.Background(), testParams("stagenet"))
	require.ErrorIs(t, err, native.ErrUnexpectedNull)
}

func TestStartRejectsInvalidPublicAddress(t *testing.T) {
	mgr, engine := newTestManager(t, memengine.Options{})
	params := testParams("stagenet")
	params.PublicAddress = "not a multiaddr"

	require.Error(t, mgr.Start(context.Background(), params))
	assert.Zero(t, engine.Calls("create_transport_config"))
}

func TestSendAndFetch(t *testing.T) {
	mgr, engine := newTestManager(t, memengine.Options{})
	require.NoError(t, mgr.Start(context.Background(), testParams("stagenet")))

	require.NoError(t, mgr.Send("hello", alice, chat.Metadata{Kind: chat.MetadataLink, Data: "https://tari.com"}))
	require.NoError(t, mgr.Send("again", "0x"+alice))

	msgs, err := mgr.FetchMessages(alice, 1000, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, alice, msgs[0].Address)
	assert.False(t, msgs[0].IsIncoming())
	assert.Equal(t, []chat.Metadata{{Kind: chat.MetadataLink, Data: "https://tari.com"}}, msgs[0].Metadata)
	assert.Empty(t, msgs[1].Metadata)

	page, err := mgr.FetchMessages(alice, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "again", page[0].Body)

	assert.Zero(t, engine.Live(native.KindMessageList))
	assert.Zero(t, engine.Live(native.KindMessage))
	assert.Zero(t, engine.Live(native.KindAddress))
}

func TestFetchErrorReleasesList(t *testing.T) {
	mgr, engine := newTestManager(t, memengine.Options{})
	require.NoError(t, mgr.Start(context.Background(), testParams("stagenet")))
	require.NoError(t, mgr.Send("hello", alice))
	engine.FailOnce("chat_message_body", 9)

	_, err := mgr.FetchMessages(alice, 1000, 0)
	code, ok := native.CodeOf(err)
	require.True(t, ok)
	assert.EqualValues(t, 9, code)
	assert.Zero(t, engine.Live(native.KindMessageList))
	assert.Zero(t, engine.Live(native.KindMessage))
}

func TestInvalidAddress(t *testing.T) {
	mgr, _ := newTestManager(t, memengine.Options{})
	require.NoError(t, mgr.Start(context.Background(), testParams("stagenet")))

	err := mgr.Send("hello", "zz-not-hex")
	code, ok := native.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, memengine.CodeInvalidAddress, code)
}

func TestInboundMessageCallback(t *testing.T) {
	mgr, engine := newTestManager(t, memengine.Options{})
	received := make(chan chat.Message, 1)
	mgr.OnMessage(func(msg chat.Message) {
		received <- msg
	})
	require.NoError(t, mgr.Start(context.Background(), testParams("stagenet")))

	require.NoError(t, engine.Deliver(bob, "ping"))
	select {
	case msg := <-received:
		assert.Equal(t, bob, msg.Address)
		assert.Equal(t, "ping", msg.Body)
		assert.True(t, msg.IsIncoming())
	case <-time.After(5 * time.Second):
		t.Fatal("message callback not delivered")
	}
	engine.WaitCallbacks()
	assert.Zero(t, engine.Live(native.KindMessage))
}

func TestOnlineStatus(t *testing.T) {
	mgr, _ := newTestManager(t, memengine.Options{})
	statuses := make(chan chat.LivenessData, 1)
	mgr.OnStatus(func(data chat.LivenessData) {
		statuses <- data
	})
	require.NoError(t, mgr.Start(context.Background(), testParams("stagenet")))

	status, err := mgr.OnlineStatus(alice)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusNeverSeen, status)

	require.NoError(t, mgr.AddContact(alice))
	select {
	case data := <-statuses:
		assert.Equal(t, alice, data.Address)
		assert.Equal(t, chat.StatusOnline, data.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("status callback not delivered")
	}
	status, err = mgr.OnlineStatus(alice)
	require.NoError(t, err)
	assert.Equal(t, chat.StatusOnline, status)
}

func TestServiceOverManager(t *testing.T) {
	mgr, _ := newTestManager(t, memengine.Options{Echo: true})
	ctx := context.Background()
	svc := chat.NewMessagesService(mgr, zerolog.Nop(), chat.ServiceOptions{})
	mgr.OnMessage(func(msg chat.Message) {
		svc.HandleIncoming(ctx, msg)
	})

	_, err := svc.Fetch(ctx, alice)
	require.True(t, errors.Is(err, session.ErrNoSession))

	require.NoError(t, mgr.Start(ctx, testParams("stagenet")))
	require.NoError(t, svc.Send(ctx, "hello", alice))
	require.NotEmpty(t, svc.Messages(alice))

	require.Eventually(t, func() bool {
		return len(svc.Messages(alice)) == 2
	}, 5*time.Second, 10*time.Millisecond)
	recent := svc.RecentPerContact()
	require.Len(t, recent, 1)
	assert.Equal(t, alice, recent[0].Address)
}
