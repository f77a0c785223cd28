package cloudbackup

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/walletbridge/pkg/gate"
)

type fakeQuery struct {
	lock    sync.Mutex
	items   []Item
	handler func(Event)
	stops   int
	started chan struct{}
	panicOn bool
}

func newFakeQuery(items ...Item) *fakeQuery {
	return &fakeQuery{items: items, started: make(chan struct{})}
}

func (q *fakeQuery) Start(handler func(Event)) error {
	q.lock.Lock()
	q.handler = handler
	q.lock.Unlock()
	close(q.started)
	return nil
}

func (q *fakeQuery) Stop() {
	q.lock.Lock()
	q.stops++
	q.lock.Unlock()
}

func (q *fakeQuery) Results() []Item {
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.panicOn {
		panic("results unavailable")
	}
	return append([]Item(nil), q.items...)
}

func (q *fakeQuery) setStatus(url string, status DownloadStatus) {
	q.lock.Lock()
	defer q.lock.Unlock()
	for i := range q.items {
		if q.items[i].URL == url {
			q.items[i].Status = status
		}
	}
}

// emit delivers an event even after Stop, the poller has to ignore those.
func (q *fakeQuery) emit(kind EventKind) {
	q.lock.Lock()
	handler := q.handler
	q.lock.Unlock()
	handler(Event{Kind: kind})
}

func (q *fakeQuery) stopCount() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.stops
}

type fakeDownloader struct {
	lock     sync.Mutex
	requests []string
	err      error
	onCall   func(url string)
}

func (d *fakeDownloader) StartDownloading(_ context.Context, url string) error {
	d.lock.Lock()
	d.requests = append(d.requests, url)
	onCall, err := d.onCall, d.err
	d.lock.Unlock()
	if onCall != nil {
		onCall(url)
	}
	return err
}

func (d *fakeDownloader) calls() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]string(nil), d.requests...)
}

type result struct {
	match Match
	err   error
}

func startDownload(ctx context.Context, p *Poller) <-chan result {
	out := make(chan result, 1)
	go func() {
		match, err := p.Download(ctx)
		out <- result{match, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan result) result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("download did not finish")
		return result{}
	}
}

func TestPollerSelectsLastMatch(t *testing.T) {
	query := newFakeQuery(
		Item{URL: "/cloud/backup_a", Status: StatusNotDownloaded},
		Item{URL: "/cloud/backup_b", Status: StatusNotDownloaded},
		Item{URL: "/cloud/other", Status: StatusCurrent},
	)
	downloader := &fakeDownloader{}
	p := NewPoller("backup", query, downloader, zerolog.Nop(), nil)
	done := startDownload(context.Background(), p)
	<-query.started

	query.emit(EventDidStartGathering)
	query.emit(EventGatheringProgress)
	query.emit(EventDidUpdate)
	assert.Equal(t, []string{"/cloud/backup_b"}, downloader.calls())
	assert.Zero(t, query.stopCount())

	query.setStatus("/cloud/backup_b", StatusCurrent)
	query.emit(EventDidUpdate)

	res := await(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, Match{Identifier: "backup_b", URL: "/cloud/backup_b", State: MatchCurrent}, res.match)
	assert.Equal(t, []string{"/cloud/backup_b"}, downloader.calls())
}

func TestPollerIgnoresEventsAfterCurrent(t *testing.T) {
	query := newFakeQuery(Item{URL: "/cloud/backup_x", Status: StatusCurrent})
	downloader := &fakeDownloader{}
	p := NewPoller("backup", query, downloader, zerolog.Nop(), nil)
	done := startDownload(context.Background(), p)
	<-query.started

	query.emit(EventDidUpdate)
	res := await(t, done)
	require.NoError(t, res.err)
	stops := query.stopCount()
	assert.GreaterOrEqual(t, stops, 1)

	query.lock.Lock()
	query.items = append(query.items, Item{URL: "/cloud/backup_y", Status: StatusNotDownloaded})
	query.lock.Unlock()
	query.emit(EventDidUpdate)
	query.emit(EventGatheringProgress)

	assert.Equal(t, []string{"/cloud/backup_x"}, downloader.calls())
	assert.Equal(t, stops, query.stopCount())
}

func TestPollerNoMatchKeepsListening(t *testing.T) {
	query := newFakeQuery(Item{URL: "/cloud/other", Status: StatusCurrent})
	downloader := &fakeDownloader{}
	p := NewPoller("backup", query, downloader, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := startDownload(ctx, p)
	<-query.started

	query.emit(EventDidUpdate)
	assert.Empty(t, downloader.calls())

	cancel()
	res := await(t, done)
	require.ErrorIs(t, res.err, gate.ErrAbandoned)
	require.ErrorIs(t, res.err, context.Canceled)
	assert.Equal(t, 1, query.stopCount())
}

func TestPollerDownloadFailure(t *testing.T) {
	quota := errors.New("quota exceeded")
	query := newFakeQuery(Item{URL: "/cloud/backup_a", Status: StatusNotDownloaded})
	downloader := &fakeDownloader{err: quota}
	p := NewPoller("backup", query, downloader, zerolog.Nop(), nil)
	done := startDownload(context.Background(), p)
	<-query.started

	query.emit(EventDidUpdate)
	res := await(t, done)
	require.ErrorIs(t, res.err, quota)
	var perr *PollError
	require.ErrorAs(t, res.err, &perr)
	assert.Equal(t, "/cloud/backup_a", perr.URL)
	assert.GreaterOrEqual(t, query.stopCount(), 1)

	query.emit(EventDidUpdate)
	assert.Len(t, downloader.calls(), 1)
}

func TestPollerHandlerPanic(t *testing.T) {
	query := newFakeQuery()
	query.panicOn = true
	p := NewPoller("backup", query, &fakeDownloader{}, zerolog.Nop(), nil)
	done := startDownload(context.Background(), p)
	<-query.started

	assert.NotPanics(t, func() {
		query.emit(EventDidUpdate)
	})
	res := await(t, done)
	require.ErrorContains(t, res.err, "panicked")
}

func writeZip(path string) error {
	tmp := filepath.Join(filepath.Dir(path), ".partial-"+filepath.Base(path))
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(f)
	w, err := zw.Create("wallet.json")
	if err == nil {
		_, err = w.Write([]byte(`{"network":"stagenet"}`))
	}
	if err == nil {
		err = zw.Close()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func TestScanDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{".backup_b.zip.icloud", "backup_a.zip", ".DS_Store", ".backup_a.zip.icloud"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "backup_dir"), 0o700))

	items, err := scanDirectory(dir)
	require.NoError(t, err)
	assert.Equal(t, []Item{
		{URL: filepath.Join(dir, "backup_a.zip"), Status: StatusCurrent},
		{URL: filepath.Join(dir, "backup_b.zip"), Status: StatusNotDownloaded},
	}, items)
}

func TestRestoreFromDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".Tari-Aurora-Backup.zip.icloud"), []byte("stub"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hello"), 0o600))

	downloader := &fakeDownloader{}
	downloader.onCall = func(url string) {
		assert.NoError(t, writeZip(url))
		_ = os.Remove(filepath.Join(filepath.Dir(url), "."+filepath.Base(url)+".icloud"))
	}
	query := NewDirectoryQuery(dir, zerolog.Nop())
	svc := NewService(NewPoller("Tari-Aurora-Backup", query, downloader, zerolog.Nop(), nil), zerolog.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	match, err := svc.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Tari-Aurora-Backup.zip", match.Identifier)
	assert.Equal(t, []string{filepath.Join(dir, "Tari-Aurora-Backup.zip")}, downloader.calls())

	// the query can be started again once the previous run stopped
	match, err = svc.Restore(ctx)
	require.NoError(t, err)
	assert.Len(t, downloader.calls(), 2)
	assert.Equal(t, MatchCurrent, match.State)
}

func TestVerifyArchiveRejectsText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.zip")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a zip"), 0o600))
	require.ErrorIs(t, VerifyArchive(path), ErrNotArchive)
}
