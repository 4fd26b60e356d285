package worker

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"vodforge/internal/models"
	"vodforge/internal/objectstore"
	"vodforge/internal/progress"
	"vodforge/internal/queue"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
)

type stubEngine struct {
	mu       sync.Mutex
	calls    int
	fail     error
	progress []float64
	scratch  []string
}

func (e *stubEngine) Transcode(ctx context.Context, req transcode.Request) (transcode.Result, error) {
	e.mu.Lock()
	e.calls++
	e.scratch = append(e.scratch, filepath.Dir(req.OutputDir))
	fail := e.fail
	steps := e.progress
	e.mu.Unlock()

	for _, fraction := range steps {
		if req.OnProgress != nil {
			req.OnProgress(fraction)
		}
	}
	if fail != nil {
		return transcode.Result{}, fail
	}

	files := []string{"master.m3u8", "thumbnail.jpg", "v0/index.m3u8", "v0/segment000.ts"}
	for _, rel := range files {
		path := filepath.Join(req.OutputDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return transcode.Result{}, err
		}
		if err := os.WriteFile(path, []byte(rel), 0o644); err != nil {
			return transcode.Result{}, err
		}
	}
	return transcode.Result{Files: files, MasterManifest: "master.m3u8", Thumbnail: "thumbnail.jpg"}, nil
}

func (e *stubEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fixture struct {
	store    *storage.Storage
	objects  *objectstore.MemoryGateway
	queue    queue.Queue
	progress *progress.MemoryStore
	notifier *progress.Notifier
	engine   *stubEngine
	proc     *Processor
}

func newFixture(t *testing.T, engine *stubEngine) *fixture {
	t.Helper()
	store, err := storage.NewStorage("")
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	f := &fixture{
		store:    store,
		objects:  objectstore.NewMemoryGateway("https://cdn.test"),
		queue:    queue.NewMemoryQueue(16),
		progress: progress.NewMemoryStore(time.Hour),
		notifier: progress.NewNotifier(64),
		engine:   engine,
	}
	f.proc = NewProcessor(Config{
		Store:    f.store,
		Objects:  f.objects,
		Queue:    f.queue,
		Progress: f.progress,
		Notifier: f.notifier,
		Engine:   f.engine,
		Workers:  2,
		Timeout:  5 * time.Second,
		WorkDir:  t.TempDir(),
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	return f
}

func (f *fixture) seedVideo(t *testing.T, title string) models.Video {
	t.Helper()
	video, err := f.store.CreateVideo(storage.CreateVideoParams{Title: title, OriginalFileName: "clip.mp4"})
	if err != nil {
		t.Fatalf("create video: %v", err)
	}
	key := objectstore.SourceKey(video.ID, "clip.mp4")
	if _, err := f.objects.Upload(context.Background(), key, "video/mp4", bytes.NewReader([]byte("raw"))); err != nil {
		t.Fatalf("seed source: %v", err)
	}
	path := key
	if _, err := f.store.UpdateVideo(video.ID, storage.VideoUpdate{OriginalPath: &path}); err != nil {
		t.Fatalf("set source path: %v", err)
	}
	video, _ = f.store.GetVideo(video.ID)
	return video
}

func waitForStatus(t *testing.T, store *storage.Storage, id string, want models.VideoStatus) models.Video {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		video, ok := store.GetVideo(id)
		if ok && video.Status == want {
			return video
		}
		time.Sleep(10 * time.Millisecond)
	}
	video, _ := store.GetVideo(id)
	t.Fatalf("video %s never reached %s, last status %s (error %q)", id, want, video.Status, video.Error)
	return models.Video{}
}

func TestProcessorTranscodesToReady(t *testing.T) {
	engine := &stubEngine{progress: []float64{0.25, 0.5, 1}}
	f := newFixture(t, engine)
	video := f.seedVideo(t, "launch recap")

	f.proc.Start()
	defer f.proc.Shutdown(context.Background())

	if err := f.queue.Enqueue(context.Background(), queue.Job{VideoID: video.ID, Source: video.OriginalPath}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := waitForStatus(t, f.store, video.ID, models.StatusReady)
	wantMaster := "https://cdn.test/videos/" + video.ID + "/master.m3u8"
	if got.MasterPlaylistURL != wantMaster {
		t.Fatalf("master url = %q, want %q", got.MasterPlaylistURL, wantMaster)
	}
	if got.ThumbnailURL != "https://cdn.test/videos/"+video.ID+"/thumbnail.jpg" {
		t.Fatalf("thumbnail url = %q", got.ThumbnailURL)
	}
	if got.Error != "" {
		t.Fatalf("unexpected error %q", got.Error)
	}

	for _, rel := range []string{"master.m3u8", "v0/segment000.ts", "thumbnail.jpg"} {
		key := objectstore.OutputKey(video.ID, rel)
		if _, ok := f.objects.Object(key); !ok {
			t.Fatalf("artifact %s not uploaded", key)
		}
	}

	if percent, ok, _ := f.progress.GetProgress(context.Background(), video.ID); !ok || percent != 100 {
		t.Fatalf("cached progress = %d, %v; want 100, true", percent, ok)
	}
}

func TestProcessorRecordsFailure(t *testing.T) {
	engine := &stubEngine{fail: errors.New("codec unsupported"), progress: []float64{0.3}}
	f := newFixture(t, engine)
	video := f.seedVideo(t, "broken upload")

	sub := f.notifier.Subscribe(video.ID)
	defer sub.Close()

	f.proc.Start()
	defer f.proc.Shutdown(context.Background())

	if err := f.queue.Enqueue(context.Background(), queue.Job{VideoID: video.ID, Source: video.OriginalPath}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := waitForStatus(t, f.store, video.ID, models.StatusFailed)
	if !strings.Contains(got.Error, "codec unsupported") {
		t.Fatalf("error = %q, want codec unsupported", got.Error)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-sub.Events():
			if event.Status == models.StatusFailed {
				return
			}
		case <-deadline:
			t.Fatal("no FAILED event published")
		}
	}
}

func TestProcessorDuplicateJobsSingleTranscode(t *testing.T) {
	engine := &stubEngine{progress: []float64{1}}
	f := newFixture(t, engine)
	video := f.seedVideo(t, "double dispatch")

	f.proc.Start()
	defer f.proc.Shutdown(context.Background())

	for i := 0; i < 5; i++ {
		if err := f.queue.Enqueue(context.Background(), queue.Job{VideoID: video.ID, Source: video.OriginalPath}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	waitForStatus(t, f.store, video.ID, models.StatusReady)

	// Give the losing deliveries time to drain through the claim check.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if engine.callCount() > 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if calls := engine.callCount(); calls != 1 {
		t.Fatalf("engine ran %d times, want 1", calls)
	}
}

func TestProcessorSkipsTerminalVideo(t *testing.T) {
	engine := &stubEngine{}
	f := newFixture(t, engine)
	video := f.seedVideo(t, "already done")

	processing := models.StatusProcessing
	ready := models.StatusReady
	if _, err := f.store.UpdateVideo(video.ID, storage.VideoUpdate{Status: &processing}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.UpdateVideo(video.ID, storage.VideoUpdate{Status: &ready}); err != nil {
		t.Fatal(err)
	}

	f.proc.Start()
	defer f.proc.Shutdown(context.Background())

	if err := f.queue.Enqueue(context.Background(), queue.Job{VideoID: video.ID, Source: video.OriginalPath}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if calls := engine.callCount(); calls != 0 {
		t.Fatalf("engine ran %d times for READY video", calls)
	}
}

func TestProcessorMonotonicProgressEvents(t *testing.T) {
	engine := &stubEngine{progress: []float64{0.1, 0.5, 0.4, 0.5, 0.9, 1}}
	f := newFixture(t, engine)
	video := f.seedVideo(t, "progress order")

	sub := f.notifier.Subscribe(video.ID)
	defer sub.Close()

	f.proc.Start()
	defer f.proc.Shutdown(context.Background())

	if err := f.queue.Enqueue(context.Background(), queue.Job{VideoID: video.ID, Source: video.OriginalPath}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitForStatus(t, f.store, video.ID, models.StatusReady)

	last := -1
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-sub.Events():
			if event.Progress < last {
				t.Fatalf("progress went backwards: %d after %d", event.Progress, last)
			}
			last = event.Progress
			if event.Status == models.StatusReady {
				if event.Progress != 100 {
					t.Fatalf("terminal event progress = %d, want 100", event.Progress)
				}
				return
			}
		case <-deadline:
			t.Fatal("never saw terminal event")
		}
	}
}

func TestProcessorCleansScratchDir(t *testing.T) {
	engine := &stubEngine{progress: []float64{1}}
	f := newFixture(t, engine)
	video := f.seedVideo(t, "scratch hygiene")

	f.proc.Start()
	defer f.proc.Shutdown(context.Background())

	if err := f.queue.Enqueue(context.Background(), queue.Job{VideoID: video.ID, Source: video.OriginalPath}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitForStatus(t, f.store, video.ID, models.StatusReady)

	engine.mu.Lock()
	dirs := append([]string(nil), engine.scratch...)
	engine.mu.Unlock()
	if len(dirs) == 0 {
		t.Fatal("engine never ran")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(dirs[0]); os.IsNotExist(err) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("scratch dir %s not removed", dirs[0])
}

func TestProcessorRecoversUnfinishedOnStart(t *testing.T) {
	engine := &stubEngine{progress: []float64{1}}
	f := newFixture(t, engine)
	video := f.seedVideo(t, "restart recovery")

	f.proc.Start()
	defer f.proc.Shutdown(context.Background())

	// No explicit enqueue: the PENDING record alone must get picked up.
	waitForStatus(t, f.store, video.ID, models.StatusReady)
}

func TestProcessorFailsWhenSourceMissing(t *testing.T) {
	engine := &stubEngine{}
	f := newFixture(t, engine)
	video, err := f.store.CreateVideo(storage.CreateVideoParams{Title: "no source"})
	if err != nil {
		t.Fatal(err)
	}

	f.proc.Start()
	defer f.proc.Shutdown(context.Background())

	if err := f.queue.Enqueue(context.Background(), queue.Job{VideoID: video.ID}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := waitForStatus(t, f.store, video.ID, models.StatusFailed)
	if got.Error == "" {
		t.Fatal("expected failure message on video record")
	}
	if calls := engine.callCount(); calls != 0 {
		t.Fatalf("engine ran %d times without a source", calls)
	}
}

func TestProcessorReclaimsStaleProcessing(t *testing.T) {
	engine := &stubEngine{progress: []float64{1}}

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	var clockMu sync.Mutex
	store, err := storage.NewStorage("", storage.WithClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	}))
	if err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, engine)
	f.store = store
	f.proc = NewProcessor(Config{
		Store:      store,
		Objects:    f.objects,
		Queue:      f.queue,
		Progress:   f.progress,
		Notifier:   f.notifier,
		Engine:     engine,
		Workers:    1,
		Timeout:    5 * time.Second,
		StaleAfter: time.Minute,
		WorkDir:    t.TempDir(),
		Logger:     slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})

	video := f.seedVideo(t, "stale claim")
	processing := models.StatusProcessing
	if _, err := store.UpdateVideo(video.ID, storage.VideoUpdate{Status: &processing}); err != nil {
		t.Fatal(err)
	}

	// A minute-old PROCESSING row from a dead worker is claimable again.
	clockMu.Lock()
	current = base.Add(2 * time.Minute)
	clockMu.Unlock()

	f.proc.Start()
	defer f.proc.Shutdown(context.Background())

	if err := f.queue.Enqueue(context.Background(), queue.Job{VideoID: video.ID, Source: video.OriginalPath}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitForStatus(t, store, video.ID, models.StatusReady)
	if calls := engine.callCount(); calls != 1 {
		t.Fatalf("engine ran %d times, want 1", calls)
	}
}

type flakyClaimStore struct {
	*storage.Storage
	mu    sync.Mutex
	fails int
}

func (s *flakyClaimStore) ClaimForProcessing(id string, staleAfter time.Duration) (models.Video, bool, error) {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return models.Video{}, false, errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.Storage.ClaimForProcessing(id, staleAfter)
}

func TestProcessorClaimErrorLeavesDeliveryUnacked(t *testing.T) {
	engine := &stubEngine{progress: []float64{1}}
	f := newFixture(t, engine)
	video := f.seedVideo(t, "flaky datastore")

	flaky := &flakyClaimStore{Storage: f.store, fails: 1}
	f.proc = NewProcessor(Config{
		Store:    flaky,
		Objects:  f.objects,
		Queue:    f.queue,
		Progress: f.progress,
		Notifier: f.notifier,
		Engine:   engine,
		Workers:  1,
		Timeout:  5 * time.Second,
		WorkDir:  t.TempDir(),
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	defer f.proc.Shutdown(context.Background())

	// First attempt hits the datastore error and must not be acked, so a
	// redelivery can finish the job.
	if f.proc.process(video.ID, video.OriginalPath) {
		t.Fatal("claim error acked the delivery")
	}
	got, _ := f.store.GetVideo(video.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("status = %s, want PENDING after failed claim", got.Status)
	}

	if !f.proc.process(video.ID, video.OriginalPath) {
		t.Fatal("redelivery was not acked")
	}
	got, _ = f.store.GetVideo(video.ID)
	if got.Status != models.StatusReady {
		t.Fatalf("status = %s, want READY after redelivery", got.Status)
	}
	if calls := engine.callCount(); calls != 1 {
		t.Fatalf("engine ran %d times, want 1", calls)
	}
}

func TestProcessorShutdownIsIdempotent(t *testing.T) {
	f := newFixture(t, &stubEngine{})
	f.proc.Start()
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := f.proc.Shutdown(ctx); err != nil {
			cancel()
			t.Fatalf("shutdown %d: %v", i, err)
		}
		cancel()
	}
}
