package archive

import (
	"context"
	"errors"
	"github.com/kittenbark/tg-filestore/internal/store"
	"github.com/kittenbark/tg-filestore/internal/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testChannel  = int64(-1001234567890)
	testOperator = int64(7)
	testUser     = int64(555)
)

var testNow = time.Unix(1_700_000_000, 0)

type copyCall struct {
	chatId     int64
	fromChatId int64
	messageId  int64
	opts       CopyOptions
}

type fakeTransport struct {
	mu        sync.Mutex
	nextId    int64
	filenames map[int64]string
	missing   map[int64]bool
	copies    []copyCall
	texts     []string
	files     []string
	deleted   []int64
	textErr   error

	// forwardGate, when set, is signalled and then waited on inside ForwardMessage.
	forwardGate *gate
}

type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{nextId: 1000, filenames: map[int64]string{}, missing: map[int64]bool{}}
}

func (f *fakeTransport) id() int64 {
	f.nextId++
	return f.nextId
}

func (f *fakeTransport) CopyMessage(_ context.Context, chatId int64, fromChatId int64, messageId int64, opts CopyOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[messageId] {
		return 0, errors.New("Bad Request: message to copy not found")
	}
	f.copies = append(f.copies, copyCall{chatId: chatId, fromChatId: fromChatId, messageId: messageId, opts: opts})
	return f.id(), nil
}

func (f *fakeTransport) ForwardMessage(_ context.Context, chatId int64, fromChatId int64, messageId int64) (*ForwardedMessage, error) {
	if g := f.forwardGate; g != nil {
		g.entered <- struct{}{}
		<-g.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if chatId != testChannel {
		return nil, errors.New("Bad Request: chat not found")
	}
	return &ForwardedMessage{MessageId: f.id(), Kind: MediaDocument, Filename: f.filenames[messageId]}, nil
}

func (f *fakeTransport) DeleteMessage(_ context.Context, _ int64, messageId int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageId)
	return nil
}

func (f *fakeTransport) SendText(_ context.Context, _ int64, text string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.textErr != nil {
		return 0, f.textErr
	}
	f.texts = append(f.texts, text)
	return f.id(), nil
}

func (f *fakeTransport) SendFile(_ context.Context, _ int64, filename string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, filename)
	return nil
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	return &Config{
		Token:               "test",
		Channel:             testChannel,
		Admins:              []int64{testOperator},
		Data:                t.TempDir(),
		Store:               store.Options{Driver: store.DriverPebble},
		DeleteDelaySeconds:  DefaultDeleteDelaySeconds,
		AlertTemplate:       DefaultAlertTemplate,
		PollIntervalSeconds: 60,
		PollLimit:           100,
	}
}

func newTestArchive(t *testing.T, opts ...Option) (*Archive, *fakeTransport, store.Store) {
	t.Helper()
	cfg := testConfig(t)
	st, err := store.OpenPebble(path.Join(cfg.Data, "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	transport := newFakeTransport()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(cfg, nil, "store_bot", transport, st, opts...), transport, st
}

func putEntry(t *testing.T, st store.Store, entry *store.ArchiveEntry) string {
	t.Helper()
	require.NoError(t, st.PutEntry(context.Background(), entry))
	return token.Encode(entry.Key)
}

func TestStoreAndRetrieveFile(t *testing.T) {
	ctx := context.Background()
	arch, transport, st := newTestArchive(t)

	stored, err := arch.StoreFile(ctx, testOperator, testOperator, 10)
	require.NoError(t, err)
	require.NotNil(t, stored.Entry)
	assert.Equal(t, "file_1001", stored.Entry.Key)
	assert.Equal(t, []int64{1001}, stored.Entry.MessageIds)
	assert.False(t, stored.Entry.IsBatch)
	assert.Equal(t, "https://t.me/store_bot?start="+token.Encode("file_1001"), stored.Link)

	payload := strings.TrimPrefix(stored.Link, "https://t.me/store_bot?start=")
	res, err := arch.Retrieve(ctx, testUser, payload)
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.Len(t, res.Delivered, 1)
	assert.NotZero(t, res.Notice)
	assert.Equal(t, testNow.Unix()+600, res.ExpiresAt)

	require.Len(t, transport.copies, 1)
	assert.Equal(t, copyCall{chatId: testUser, fromChatId: testChannel, messageId: 1001, opts: CopyOptions{Caption: DeliveredCaption}}, transport.copies[0])
	require.Len(t, transport.texts, 1)
	assert.Contains(t, transport.texts[0], "deleted in 10 minute(s)")

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	expired, err := st.PollExpired(ctx, time.Unix(res.ExpiresAt, 0), 100)
	require.NoError(t, err)
	assert.Empty(t, expired)

	expired, err = st.PollExpired(ctx, time.Unix(res.ExpiresAt+1, 0), 100)
	require.NoError(t, err)
	assert.ElementsMatch(t, []store.DeliveryRecord{
		{ChatId: testUser, MessageId: res.Delivered[0], ExpiresAt: res.ExpiresAt},
		{ChatId: testUser, MessageId: res.Notice, ExpiresAt: res.ExpiresAt},
	}, expired)
}

func TestRetrieveRepeatable(t *testing.T) {
	ctx := context.Background()
	arch, transport, st := newTestArchive(t)
	payload := putEntry(t, st, &store.ArchiveEntry{Key: "file_1", MessageIds: []int64{1}})

	for range 3 {
		_, err := arch.Retrieve(ctx, testUser, payload)
		require.NoError(t, err)
	}
	assert.Len(t, transport.copies, 3)

	entry, err := st.GetEntry(ctx, "file_1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, entry.MessageIds)
}

func TestRetrieveExpiredLink(t *testing.T) {
	ctx := context.Background()
	arch, transport, st := newTestArchive(t)

	_, err := arch.Retrieve(ctx, testUser, "!!!")
	assert.ErrorIs(t, err, token.ErrInvalidToken)
	assert.True(t, IsExpiredLink(err))

	_, err = arch.Retrieve(ctx, testUser, token.Encode("file_404"))
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.True(t, IsExpiredLink(err))

	assert.False(t, IsExpiredLink(errors.New("network is down")))
	assert.Empty(t, transport.copies)
	assert.Empty(t, transport.texts)

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRetrievePartialFailure(t *testing.T) {
	ctx := context.Background()
	arch, transport, st := newTestArchive(t)
	payload := putEntry(t, st, &store.ArchiveEntry{Key: "batch_1_7", MessageIds: []int64{1, 2, 3}, IsBatch: true})
	transport.missing[2] = true

	res, err := arch.Retrieve(ctx, testUser, payload)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, int64(2), res.Failures[0].ArchiveMessageId)
	assert.Len(t, res.Delivered, 2)
	assert.NotZero(t, res.Notice)

	require.Len(t, transport.copies, 2)
	assert.Equal(t, int64(1), transport.copies[0].messageId)
	assert.Equal(t, int64(3), transport.copies[1].messageId)
	for _, call := range transport.copies {
		assert.Equal(t, CopyOptions{Silent: true}, call.opts)
	}

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)
}

func TestRetrieveNothingDelivered(t *testing.T) {
	ctx := context.Background()
	arch, transport, st := newTestArchive(t)
	payload := putEntry(t, st, &store.ArchiveEntry{Key: "file_9", MessageIds: []int64{9}})
	transport.missing[9] = true

	res, err := arch.Retrieve(ctx, testUser, payload)
	require.NoError(t, err)
	assert.Empty(t, res.Delivered)
	assert.Len(t, res.Failures, 1)
	assert.Zero(t, res.Notice)
	assert.Empty(t, transport.texts)

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRetrieveNoticeFailureKeepsDeliveredScheduled(t *testing.T) {
	ctx := context.Background()
	arch, transport, st := newTestArchive(t)
	payload := putEntry(t, st, &store.ArchiveEntry{Key: "file_5", MessageIds: []int64{5}})
	transport.textErr = errors.New("Too Many Requests")

	res, err := arch.Retrieve(ctx, testUser, payload)
	require.Error(t, err)
	assert.False(t, IsExpiredLink(err))
	assert.Len(t, res.Delivered, 1)

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestRetrieveCancelled(t *testing.T) {
	arch, transport, st := newTestArchive(t)
	payload := putEntry(t, st, &store.ArchiveEntry{Key: "file_5", MessageIds: []int64{5}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := arch.Retrieve(ctx, testUser, payload)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, transport.copies)
}

func TestBatchByName(t *testing.T) {
	ctx := context.Background()
	arch, transport, st := newTestArchive(t)
	transport.filenames = map[int64]string{10: "b.txt", 11: "A.txt", 12: "c.txt"}

	arch.StartBatch(testOperator)
	for i, messageId := range []int64{10, 11, 12} {
		stored, err := arch.StoreFile(ctx, testOperator, testOperator, messageId)
		require.NoError(t, err)
		assert.Nil(t, stored.Entry)
		assert.Equal(t, i+1, stored.BatchSize)
	}

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	stored, err := arch.CloseBatch(ctx, testOperator, true)
	require.NoError(t, err)
	assert.True(t, stored.Entry.IsBatch)
	assert.Equal(t, 3, stored.BatchSize)
	assert.True(t, strings.HasPrefix(stored.Entry.Key, "batch_"))
	assert.Equal(t, []int64{1002, 1001, 1003}, stored.Entry.MessageIds)
	assert.False(t, arch.batches.Active(testOperator))

	res, err := arch.Retrieve(ctx, testUser, token.Encode(stored.Entry.Key))
	require.NoError(t, err)
	assert.Len(t, res.Delivered, 3)
	var order []int64
	for _, call := range transport.copies {
		order = append(order, call.messageId)
	}
	assert.Equal(t, []int64{1002, 1001, 1003}, order)
}

func TestBatchById(t *testing.T) {
	ctx := context.Background()
	arch, _, _ := newTestArchive(t)

	arch.StartBatch(testOperator)
	for _, messageId := range []int64{10, 11} {
		_, err := arch.StoreFile(ctx, testOperator, testOperator, messageId)
		require.NoError(t, err)
	}
	stored, err := arch.CloseBatch(ctx, testOperator, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{1001, 1002}, stored.Entry.MessageIds)
	assert.Equal(t, token.BatchKey(testNow.UTC(), testOperator), stored.Entry.Key)
}

func TestBatchKeepsSendOrder(t *testing.T) {
	ctx := context.Background()
	arch, _, _ := newTestArchive(t)

	arch.StartBatch(testOperator)
	for _, messageId := range []int64{12, 10, 11} {
		_, err := arch.StoreFile(ctx, testOperator, testOperator, messageId)
		require.NoError(t, err)
	}
	stored, err := arch.CloseBatch(ctx, testOperator, false)
	require.NoError(t, err)
	// forwarded as 1001 (12), 1002 (10), 1003 (11)
	assert.Equal(t, []int64{1002, 1003, 1001}, stored.Entry.MessageIds)
}

func TestCloseBatchWaitsForForward(t *testing.T) {
	ctx := context.Background()
	arch, transport, _ := newTestArchive(t)
	transport.forwardGate = newGate()

	arch.StartBatch(testOperator)
	storedCh := make(chan error, 1)
	go func() {
		_, err := arch.StoreFile(ctx, testOperator, testOperator, 10)
		storedCh <- err
	}()
	<-transport.forwardGate.entered

	type closeResult struct {
		stored *Stored
		err    error
	}
	closedCh := make(chan closeResult, 1)
	go func() {
		stored, err := arch.CloseBatch(ctx, testOperator, false)
		closedCh <- closeResult{stored, err}
	}()

	select {
	case <-closedCh:
		t.Fatal("batch closed while a file was still being forwarded")
	case <-time.After(50 * time.Millisecond):
	}
	close(transport.forwardGate.release)

	require.NoError(t, <-storedCh)
	closed := <-closedCh
	require.NoError(t, closed.err)
	assert.True(t, closed.stored.Entry.IsBatch)
	assert.Equal(t, []int64{1001}, closed.stored.Entry.MessageIds)
}

func TestBatchErrors(t *testing.T) {
	ctx := context.Background()
	arch, _, _ := newTestArchive(t)

	_, err := arch.CloseBatch(ctx, testOperator, false)
	assert.ErrorIs(t, err, ErrNoBatch)

	arch.StartBatch(testOperator)
	_, err = arch.CloseBatch(ctx, testOperator, false)
	assert.ErrorIs(t, err, ErrEmptyBatch)
	assert.False(t, arch.batches.Active(testOperator))

	_, ok := arch.CancelBatch(testOperator)
	assert.False(t, ok)

	arch.StartBatch(testOperator)
	_, err = arch.StoreFile(ctx, testOperator, testOperator, 10)
	require.NoError(t, err)
	dropped, ok := arch.CancelBatch(testOperator)
	assert.True(t, ok)
	assert.Equal(t, 1, dropped)

	stored, err := arch.StoreFile(ctx, testOperator, testOperator, 11)
	require.NoError(t, err)
	assert.NotNil(t, stored.Entry, "files after a cancelled batch get their own link")
}

func TestStoreFileForwardFailure(t *testing.T) {
	ctx := context.Background()
	arch, _, st := newTestArchive(t)
	arch.cfg.Channel = -1

	_, err := arch.StoreFile(ctx, testOperator, testOperator, 10)
	assert.Error(t, err)

	_, err = st.GetEntry(ctx, "file_1001")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	arch, transport, st := newTestArchive(t)

	settings, err := arch.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultDeleteDelaySeconds, settings.DeleteDelaySeconds)

	_, err = arch.SetDeleteDelay(ctx, 0)
	assert.Error(t, err)
	_, err = arch.SetDeleteDelay(ctx, -3)
	assert.Error(t, err)

	settings, err = arch.SetDeleteDelay(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 300, settings.DeleteDelaySeconds)

	_, err = arch.SetAlertTemplate(ctx, "  ")
	assert.Error(t, err)
	_, err = arch.SetAlertTemplate(ctx, "gone in {time} min")
	require.NoError(t, err)

	payload := putEntry(t, st, &store.ArchiveEntry{Key: "file_1", MessageIds: []int64{1}})
	res, err := arch.Retrieve(ctx, testUser, payload)
	require.NoError(t, err)
	assert.Equal(t, testNow.Unix()+300, res.ExpiresAt)
	assert.Equal(t, []string{"gone in 5 min"}, transport.texts)

	reopened := New(arch.cfg, nil, "store_bot", transport, st)
	settings, err = reopened.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 300, settings.DeleteDelaySeconds)
	assert.Equal(t, "gone in {time} min", settings.AlertTemplate)
}

func TestThumbnail(t *testing.T) {
	ctx := context.Background()
	arch, _, _ := newTestArchive(t)
	image := []byte("not really a jpeg")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(image)
	}))
	defer server.Close()

	_, err := arch.ClearThumbnail(ctx)
	assert.ErrorIs(t, err, ErrNoThumbnail)
	_, err = arch.SetThumbnail(ctx, "ftp://example.com/a.png")
	assert.Error(t, err)

	settings, err := arch.SetThumbnail(ctx, server.URL+"/cover.png")
	require.NoError(t, err)
	assert.Equal(t, arch.cfg.Data, path.Dir(settings.ThumbnailRef))
	assert.Equal(t, ".png", path.Ext(settings.ThumbnailRef))
	thumbnail := settings.ThumbnailRef
	data, err := os.ReadFile(settings.ThumbnailRef)
	require.NoError(t, err)
	assert.Equal(t, image, data)

	settings, err = arch.ClearThumbnail(ctx)
	require.NoError(t, err)
	assert.Empty(t, settings.ThumbnailRef)
	assert.NoFileExists(t, thumbnail)
}

func TestThumbnailReplace(t *testing.T) {
	ctx := context.Background()
	arch, _, _ := newTestArchive(t)
	images := map[string][]byte{
		"/first.png":  []byte(strings.Repeat("A", 100)),
		"/second.png": []byte(strings.Repeat("B", 300)),
		"/third.png":  []byte(strings.Repeat("C", 50)),
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(images[r.URL.Path])
	}))
	defer server.Close()

	previous := ""
	for _, name := range []string{"/first.png", "/second.png", "/third.png", "/first.png"} {
		settings, err := arch.SetThumbnail(ctx, server.URL+name)
		require.NoError(t, err, name)
		data, err := os.ReadFile(settings.ThumbnailRef)
		require.NoError(t, err)
		assert.Equal(t, images[name], data, name)
		if previous != "" {
			assert.NoFileExists(t, previous, "the replaced thumbnail is removed")
		}
		previous = settings.ThumbnailRef
	}
}

func TestConcurrentRetrievals(t *testing.T) {
	ctx := context.Background()
	arch, transport, st := newTestArchive(t)
	arch.cfg.DeliveryDelayMs = 150
	payload := putEntry(t, st, &store.ArchiveEntry{Key: "batch_1_7", MessageIds: []int64{1, 2, 3, 4}, IsBatch: true})

	start := time.Now()
	var wg sync.WaitGroup
	for _, chatId := range []int64{testUser, testUser + 1} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := arch.Retrieve(ctx, chatId, payload)
			if assert.NoError(t, err) {
				assert.Len(t, res.Delivered, 4)
			}
		}()
	}
	wg.Wait()

	// one retrieval waits 3 x 150ms, two in a row would take twice as long
	assert.Less(t, time.Since(start), 800*time.Millisecond)
	assert.Len(t, transport.copies, 8)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	arch, _, st := newTestArchive(t)
	payload := putEntry(t, st, &store.ArchiveEntry{Key: "file_1", MessageIds: []int64{1}})
	_, err := arch.Retrieve(ctx, testUser, payload)
	require.NoError(t, err)
	arch.StartBatch(testOperator)

	status, err := arch.Status(ctx, testOperator)
	require.NoError(t, err)
	assert.Contains(t, status, "Auto-delete: 10m0s")
	assert.Contains(t, status, "Pending deletions: 2")
	assert.Contains(t, status, "Batch: open")
	assert.Contains(t, status, "Thumbnail: none")
	assert.Contains(t, status, "Store: pebble")
}

func TestExpiryDeletesDeliveries(t *testing.T) {
	ctx := context.Background()
	now := testNow
	arch, transport, st := newTestArchive(t, WithClock(func() time.Time { return now }))
	payload := putEntry(t, st, &store.ArchiveEntry{Key: "file_1", MessageIds: []int64{1}})

	res, err := arch.Retrieve(ctx, testUser, payload)
	require.NoError(t, err)

	now = testNow.Add(11 * time.Minute)
	_, err = arch.expiry.Tick(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{res.Delivered[0], res.Notice}, transport.deleted)

	pending, err := st.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	_, err = arch.Retrieve(ctx, testUser, payload)
	require.NoError(t, err, "the link survives the deletion of delivered copies")
}

func TestStartStopsBotOnCancel(t *testing.T) {
	arch, _, _ := newTestArchive(t)
	running := make(chan struct{})
	stopped := make(chan struct{})
	arch.runBot = func() { close(running) }
	arch.stopBot = func() { close(stopped) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		arch.Start(ctx)
		close(done)
	}()
	<-running

	select {
	case <-stopped:
		t.Fatal("bot stopped before cancel")
	case <-time.After(20 * time.Millisecond):
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return")
	}
	select {
	case <-stopped:
	default:
		t.Fatal("bot still running after start returned")
	}
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	arch, transport, st := newTestArchive(t, WithRegisterer(reg))
	payload := putEntry(t, st, &store.ArchiveEntry{Key: "batch_1_7", MessageIds: []int64{1, 2}, IsBatch: true})
	transport.missing[2] = true

	_, err := arch.Retrieve(ctx, testUser, payload)
	require.NoError(t, err)
	_, _ = arch.Retrieve(ctx, testUser, "!!!")
	_, err = arch.StoreFile(ctx, testOperator, testOperator, 10)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(arch.metrics.retrievals.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(arch.metrics.retrievals.WithLabelValues("invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(arch.metrics.deliveries))
	assert.Equal(t, 1.0, testutil.ToFloat64(arch.metrics.deliveryErr))
	assert.Equal(t, 1.0, testutil.ToFloat64(arch.metrics.stored.WithLabelValues("file")))
}

func TestRenderAlert(t *testing.T) {
	assert.Equal(t, "gone in 10 minutes", RenderAlert("gone in {time} minutes", 600))
	assert.Equal(t, "1 / 1", RenderAlert("{time} / {time}", 119))
	assert.Equal(t, "no placeholder", RenderAlert("no placeholder", 600))
}
