package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/walletbridge/pkg/session"
)

type fakeBackend struct {
	lock    sync.Mutex
	convos  map[string][]Message
	sent    []string
	fetches map[string]int
	err     error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{convos: make(map[string][]Message), fetches: make(map[string]int)}
}

func (f *fakeBackend) put(address string, timestamps ...uint64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	for _, ts := range timestamps {
		f.convos[address] = append(f.convos[address], Message{
			ID:        address + "-" + time.Unix(int64(ts), 0).UTC().Format("150405"),
			Address:   address,
			Body:      "hi",
			Timestamp: ts,
			Direction: DirectionInbound,
		})
	}
}

func (f *fakeBackend) FetchMessages(address string, limit, page int32) ([]Message, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.fetches[address]++
	return append([]Message(nil), f.convos[address]...), nil
}

func (f *fakeBackend) Send(body, receiver string, metadata ...Metadata) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, body)
	f.convos[receiver] = append(f.convos[receiver], Message{
		ID:        "sent",
		Address:   receiver,
		Body:      body,
		Timestamp: 100,
		Direction: DirectionOutbound,
	})
	return nil
}

func timestamps(msgs []Message) []uint64 {
	out := make([]uint64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Timestamp
	}
	return out
}

func addresses(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Address
	}
	return out
}

func TestRecentPerContact(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.put("aa", 1, 5)
	backend.put("bb", 3)
	svc := NewMessagesService(backend, zerolog.Nop(), ServiceOptions{})

	_, err := svc.Fetch(ctx, "aa")
	require.NoError(t, err)
	_, err = svc.Fetch(ctx, "bb")
	require.NoError(t, err)

	recent := svc.RecentPerContact()
	assert.Equal(t, []string{"aa", "bb"}, addresses(recent))
	assert.Equal(t, []uint64{5, 3}, timestamps(recent))

	backend.put("bb", 9)
	_, err = svc.Fetch(ctx, "bb")
	require.NoError(t, err)

	recent = svc.RecentPerContact()
	assert.Equal(t, []string{"bb", "aa"}, addresses(recent))
	assert.Equal(t, []uint64{9, 5}, timestamps(recent))
}

func TestRecentPerContactTies(t *testing.T) {
	order := []string{"aa", "bb"}
	msgs := map[string][]Message{
		"aa": {{ID: "a1", Address: "aa", Timestamp: 4}, {ID: "a2", Address: "aa", Timestamp: 4}},
		"bb": {{ID: "b1", Address: "bb", Timestamp: 4}},
	}
	recent := recentPerContact(msgs, order)
	require.Len(t, recent, 2)
	assert.Equal(t, "a2", recent[0].ID)
	assert.Equal(t, "b1", recent[1].ID)
}

func TestFetchKeysAreCanonical(t *testing.T) {
	backend := newFakeBackend()
	backend.put("abcd", 2)
	svc := NewMessagesService(backend, zerolog.Nop(), ServiceOptions{})

	_, err := svc.Fetch(context.Background(), " 0xABCD ")
	require.NoError(t, err)
	assert.Len(t, svc.Messages("abcd"), 1)
	assert.Len(t, svc.Messages("ABCD"), 1)
	assert.Equal(t, []string{"abcd"}, svc.Addresses())
}

func TestFetchWithoutSessionLeavesCache(t *testing.T) {
	backend := newFakeBackend()
	backend.put("aa", 1)
	svc := NewMessagesService(backend, zerolog.Nop(), ServiceOptions{})
	_, err := svc.Fetch(context.Background(), "aa")
	require.NoError(t, err)

	backend.err = &session.Error{Kind: session.KindChat, Op: "fetch_messages", Err: session.ErrNoSession}
	_, err = svc.Fetch(context.Background(), "aa")
	require.ErrorIs(t, err, session.ErrNoSession)
	assert.Len(t, svc.Messages("aa"), 1)
}

func TestSendRefetches(t *testing.T) {
	backend := newFakeBackend()
	svc := NewMessagesService(backend, zerolog.Nop(), ServiceOptions{})

	require.NoError(t, svc.Send(context.Background(), "hello", "cc"))
	assert.Equal(t, []string{"hello"}, backend.sent)
	msgs := svc.Messages("cc")
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, 1, backend.fetches["cc"])
}

func TestSendFailureSkipsRefetch(t *testing.T) {
	backend := newFakeBackend()
	backend.err = errors.New("boom")
	svc := NewMessagesService(backend, zerolog.Nop(), ServiceOptions{})

	require.Error(t, svc.Send(context.Background(), "hello", "cc"))
	assert.Zero(t, backend.fetches["cc"])
	assert.Empty(t, svc.Addresses())
}

func TestSendRateLimit(t *testing.T) {
	backend := newFakeBackend()
	testClock := clock.NewTestClock(time.Unix(1700000000, 0))
	svc := NewMessagesService(backend, zerolog.Nop(), ServiceOptions{
		Clock:     testClock,
		SendRate:  1,
		SendBurst: 2,
	})
	ctx := context.Background()

	require.NoError(t, svc.Send(ctx, "1", "cc"))
	require.NoError(t, svc.Send(ctx, "2", "cc"))
	require.ErrorIs(t, svc.Send(ctx, "3", "cc"), ErrRateLimited)
	require.NoError(t, svc.Send(ctx, "other", "dd"))

	testClock.SetTime(testClock.Now().Add(2 * time.Second))
	require.NoError(t, svc.Send(ctx, "4", "cc"))
}

func TestRefreshFetchesTracked(t *testing.T) {
	backend := newFakeBackend()
	backend.put("aa", 1)
	backend.put("bb", 2)
	svc := NewMessagesService(backend, zerolog.Nop(), ServiceOptions{})
	svc.Track("AA", "bb", "")

	require.NoError(t, svc.Refresh(context.Background()))
	assert.Equal(t, 1, backend.fetches["aa"])
	assert.Equal(t, 1, backend.fetches["bb"])
	assert.Len(t, svc.RecentPerContact(), 2)
}

func TestSubscribeKeepsLatest(t *testing.T) {
	backend := newFakeBackend()
	backend.put("aa", 1)
	backend.put("bb", 2)
	svc := NewMessagesService(backend, zerolog.Nop(), ServiceOptions{})
	updates, cancel := svc.Subscribe()

	_, err := svc.Fetch(context.Background(), "aa")
	require.NoError(t, err)
	_, err = svc.Fetch(context.Background(), "bb")
	require.NoError(t, err)

	update := <-updates
	assert.Equal(t, "bb", update.Address)
	assert.Len(t, update.Recent, 2)

	cancel()
	_, ok := <-updates
	assert.False(t, ok)
	cancel()
}

func TestSubscribeLatestMatchesCache(t *testing.T) {
	backend := newFakeBackend()
	var addrs []string
	for i := range 16 {
		addr := fmt.Sprintf("%02x", i)
		addrs = append(addrs, addr)
		backend.put(addr, uint64(i+1))
	}

	for range 50 {
		svc := NewMessagesService(backend, zerolog.Nop(), ServiceOptions{})
		updates, cancel := svc.Subscribe()
		var wg sync.WaitGroup
		for _, addr := range addrs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Fetch(context.Background(), addr)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		update := <-updates
		require.Len(t, update.Recent, len(addrs))
		assert.Equal(t, svc.RecentPerContact(), update.Recent)
		cancel()
	}
}

func TestFetchLocksAreDropped(t *testing.T) {
	backend := newFakeBackend()
	backend.put("aa", 1)
	backend.put("bb", 2)
	svc := NewMessagesService(backend, zerolog.Nop(), ServiceOptions{})

	var wg sync.WaitGroup
	for range 8 {
		for _, addr := range []string{"aa", "0xBB"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.Fetch(context.Background(), addr)
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	svc.fetchLocksLock.Lock()
	defer svc.fetchLocksLock.Unlock()
	assert.Empty(t, svc.fetchLocks)
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(ctx, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer store.Close()

	backend := newFakeBackend()
	backend.put("aa", 1, 5)
	backend.put("bb", 3)
	svc := NewMessagesService(backend, zerolog.Nop(), ServiceOptions{Store: store})
	_, err = svc.Fetch(ctx, "aa")
	require.NoError(t, err)
	_, err = svc.Fetch(ctx, "bb")
	require.NoError(t, err)

	reloaded := NewMessagesService(newFakeBackend(), zerolog.Nop(), ServiceOptions{Store: store})
	require.NoError(t, reloaded.LoadCached(ctx))
	assert.Equal(t, []string{"aa", "bb"}, reloaded.Addresses())
	assert.Equal(t, []uint64{1, 5}, timestamps(reloaded.Messages("aa")))
	assert.Equal(t, []uint64{5, 3}, timestamps(reloaded.RecentPerContact()))
}

func TestStoreReplaceEmpty(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(ctx, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Replace(ctx, "aa", []Message{{ID: "1", Timestamp: 1}}))
	require.NoError(t, store.Replace(ctx, "aa", nil))
	convos, order, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"aa"}, order)
	assert.Empty(t, convos["aa"])
}

func TestStoreKeepsMetadataAndStoredAt(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(ctx, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer store.Close()

	backend := newFakeBackend()
	backend.convos["aa"] = []Message{{
		ID:        "m1",
		Address:   "aa",
		Body:      "hi",
		Timestamp: 7,
		Direction: DirectionInbound,
		Metadata:  []Metadata{{Kind: MetadataReply, Data: "m0"}},
	}}
	testClock := clock.NewTestClock(time.UnixMilli(1700000000123))
	svc := NewMessagesService(backend, zerolog.Nop(), ServiceOptions{Store: store, Clock: testClock})
	fetched, err := svc.Fetch(ctx, "aa")
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	assert.True(t, fetched[0].StoredAt.Equal(testClock.Now()))

	reloaded := NewMessagesService(newFakeBackend(), zerolog.Nop(), ServiceOptions{Store: store})
	require.NoError(t, reloaded.LoadCached(ctx))
	msgs := reloaded.Messages("aa")
	require.Len(t, msgs, 1)
	assert.Equal(t, []Metadata{{Kind: MetadataReply, Data: "m0"}}, msgs[0].Metadata)
	assert.Equal(t, testClock.Now().UnixMilli(), msgs[0].StoredAt.UnixMilli())
}
