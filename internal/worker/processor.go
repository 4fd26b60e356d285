// Package worker consumes transcode jobs, runs the encoding engine, and
// publishes artifacts and progress. Any number of processors may compete
// for the same queue; the storage claim decides which one runs a video.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vodforge/internal/models"
	"vodforge/internal/objectstore"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/progress"
	"vodforge/internal/queue"
	"vodforge/internal/storage"
	"vodforge/internal/transcode"
)

const (
	defaultWorkers           = 2
	defaultJobTimeout        = 30 * time.Minute
	defaultUploadConcurrency = 4
)

type Config struct {
	Store    storage.Repository
	Objects  objectstore.Gateway
	Queue    queue.Queue
	Progress progress.Store
	Notifier *progress.Notifier
	Engine   transcode.Engine

	Workers int
	// Timeout bounds one transcode job end to end.
	Timeout time.Duration
	// StaleAfter is how long a PROCESSING record may sit untouched before
	// another worker may re-claim it. Zero disables re-claiming and
	// defaults to twice the job timeout.
	StaleAfter time.Duration
	// UploadConcurrency bounds parallel artifact uploads per job.
	UploadConcurrency int
	// WorkDir holds per-job scratch directories. Defaults to os.TempDir.
	WorkDir string
	Logger  *slog.Logger
}

// Processor runs a pool of goroutines that drain the job queue.
type Processor struct {
	store    storage.Repository
	objects  objectstore.Gateway
	queue    queue.Queue
	progress progress.Store
	notifier *progress.Notifier
	engine   transcode.Engine

	workers           int
	timeout           time.Duration
	staleAfter        time.Duration
	uploadConcurrency int
	workDir           string
	logger            *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
	sub      queue.Subscription
}

func NewProcessor(cfg Config) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 2 * timeout
	}
	uploadConcurrency := cfg.UploadConcurrency
	if uploadConcurrency <= 0 {
		uploadConcurrency = defaultUploadConcurrency
	}
	workDir := strings.TrimSpace(cfg.WorkDir)
	if workDir == "" {
		workDir = os.TempDir()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:             cfg.Store,
		objects:           cfg.Objects,
		queue:             cfg.Queue,
		progress:          cfg.Progress,
		notifier:          cfg.Notifier,
		engine:            cfg.Engine,
		workers:           workers,
		timeout:           timeout,
		staleAfter:        staleAfter,
		uploadConcurrency: uploadConcurrency,
		workDir:           workDir,
		logger:            logger,
		ctx:               ctx,
		cancel:            cancel,
		inFlight:          make(map[string]struct{}),
	}
}

// Start subscribes to the queue and launches the worker pool. Videos left
// unfinished by a previous run are re-enqueued in the background.
func (p *Processor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.sub = p.queue.Subscribe()
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	go p.recoverUnfinished()
}

// Shutdown stops accepting deliveries and waits for in-flight jobs to wind
// down or ctx to expire.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	p.mu.Lock()
	if p.sub != nil {
		p.sub.Close()
	}
	p.mu.Unlock()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	deliveries := p.sub.Deliveries()
	for {
		select {
		case <-p.ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			p.handle(delivery)
		}
	}
}

func (p *Processor) handle(delivery queue.Delivery) {
	id := strings.TrimSpace(delivery.Job.VideoID)
	if id == "" {
		delivery.Ack()
		return
	}
	if !p.beginWork(id) {
		// Another goroutine in this pool already holds the video; the
		// storage claim would reject the duplicate anyway.
		delivery.Ack()
		return
	}
	defer p.finishWork(id)

	if p.process(id, delivery.Job.Source) {
		delivery.Ack()
	}
}

func (p *Processor) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Processor) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

// recoverUnfinished re-enqueues videos a previous run left in PENDING or
// PROCESSING. The claim's stale window keeps a live worker's job from being
// stolen.
func (p *Processor) recoverUnfinished() {
	for _, video := range p.store.ListUnfinished() {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		job := queue.Job{VideoID: video.ID, Source: video.OriginalPath}
		if err := p.queue.Enqueue(p.ctx, job); err != nil {
			p.logger.Error("failed to re-enqueue unfinished video", "video_id", video.ID, "error", err)
		}
	}
}

// process runs one job to a terminal state. It reports whether the delivery
// should be acknowledged; a job interrupted by shutdown stays unacked so the
// queue redelivers it.
func (p *Processor) process(id, source string) bool {
	video, won, err := p.store.ClaimForProcessing(id, p.staleAfter)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted between enqueue and dispatch; nothing to do.
			return true
		}
		// Transient datastore failure: leave the delivery unacked so the
		// queue redelivers instead of stranding the video in PENDING.
		p.logger.Error("failed to claim video", "video_id", id, "error", err)
		return false
	}
	if !won {
		p.logger.Info("video already claimed, skipping", "video_id", id, "status", video.Status)
		return true
	}

	if source == "" {
		source = video.OriginalPath
	}
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()

	metrics.TranscodeJobStarted()
	if err := p.run(ctx, video, source); err != nil {
		if p.ctx.Err() != nil {
			// Shutting down mid-job: leave the delivery unacked and the
			// record in PROCESSING for the stale re-claim to pick up.
			p.logger.Warn("transcode interrupted by shutdown", "video_id", id)
			return false
		}
		metrics.TranscodeJobFailed()
		p.fail(id, err)
		return true
	}
	metrics.TranscodeJobCompleted()
	return true
}

func (p *Processor) run(ctx context.Context, video models.Video, source string) error {
	if strings.TrimSpace(source) == "" {
		return fmt.Errorf("source key is required")
	}

	p.report(ctx, video.ID, models.StatusProcessing, 0)

	scratch, err := os.MkdirTemp(p.workDir, "vodforge-"+video.ID+"-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	inputPath := filepath.Join(scratch, path.Base(source))
	if err := p.download(ctx, source, inputPath); err != nil {
		return fmt.Errorf("download source %s: %w", source, err)
	}

	outputDir := filepath.Join(scratch, "out")
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return err
	}

	// Encoding owns 0-94; the remainder is artifact upload and finalize.
	lastPercent := 0
	result, err := p.engine.Transcode(ctx, transcode.Request{
		InputPath: inputPath,
		OutputDir: outputDir,
		OnProgress: func(fraction float64) {
			percent := int(fraction * 94)
			if percent <= lastPercent {
				return
			}
			lastPercent = percent
			p.report(ctx, video.ID, models.StatusProcessing, percent)
		},
	})
	if err != nil {
		return err
	}

	p.report(ctx, video.ID, models.StatusProcessing, 95)
	if err := p.uploadArtifacts(ctx, video.ID, outputDir, result.Files); err != nil {
		return fmt.Errorf("upload artifacts: %w", err)
	}

	masterURL := p.objects.PublicURL(objectstore.OutputKey(video.ID, result.MasterManifest))
	thumbnailURL := ""
	if result.Thumbnail != "" {
		thumbnailURL = p.objects.PublicURL(objectstore.OutputKey(video.ID, result.Thumbnail))
	}

	ready := models.StatusReady
	noError := ""
	if _, err := p.store.UpdateVideo(video.ID, storage.VideoUpdate{
		Status:            &ready,
		MasterPlaylistURL: &masterURL,
		ThumbnailURL:      &thumbnailURL,
		Error:             &noError,
	}); err != nil {
		return fmt.Errorf("mark video ready: %w", err)
	}

	p.report(ctx, video.ID, models.StatusReady, 100)
	p.logger.Info("video transcoded", "video_id", video.ID, "artifacts", len(result.Files), "master", masterURL)
	return nil
}

func (p *Processor) download(ctx context.Context, key, dst string) error {
	file, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := p.objects.Download(ctx, key, file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// uploadArtifacts pushes the engine's output tree to the bucket under the
// video's output prefix, a bounded number of objects at a time.
func (p *Processor) uploadArtifacts(ctx context.Context, videoID, outputDir string, files []string) error {
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(p.uploadConcurrency)
	for _, rel := range files {
		rel := rel
		group.Go(func() error {
			file, err := os.Open(filepath.Join(outputDir, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			defer file.Close()
			key := objectstore.OutputKey(videoID, rel)
			if _, err := p.objects.Upload(ctx, key, objectstore.ContentTypeFor(rel), file); err != nil {
				return fmt.Errorf("upload %s: %w", key, err)
			}
			return nil
		})
	}
	return group.Wait()
}

func (p *Processor) fail(id string, cause error) {
	failed := models.StatusFailed
	message := strings.TrimSpace(cause.Error())
	if _, err := p.store.UpdateVideo(id, storage.VideoUpdate{
		Status: &failed,
		Error:  &message,
	}); err != nil {
		p.logger.Error("failed to record transcode failure", "video_id", id, "error", err, "cause", cause)
		return
	}
	// Failure events carry the last reported percentage so clients do not
	// see the bar jump backwards before the terminal state lands.
	percent := 0
	if cached, ok, err := p.progress.GetProgress(context.Background(), id); err == nil && ok {
		percent = cached
	}
	p.report(context.Background(), id, models.StatusFailed, percent)
	p.logger.Error("video transcode failed", "video_id", id, "error", cause)
}

// report caches the percentage for reconnecting clients and pushes a live
// event to current subscribers.
func (p *Processor) report(ctx context.Context, videoID string, status models.VideoStatus, percent int) {
	if err := p.progress.SetProgress(ctx, videoID, percent); err != nil {
		p.logger.Warn("failed to cache progress", "video_id", videoID, "error", err)
	}
	p.notifier.Publish(models.ProgressEvent{VideoID: videoID, Status: status, Progress: percent})
}
