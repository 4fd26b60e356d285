package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests, upload
// lifecycle events, and transcode jobs. It coordinates concurrent writers via
// a RWMutex while exposing thread-safe gauges for in-flight work.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	uploadEvents    map[string]uint64
	transcodeJobs   map[string]uint64
	activeJobs      atomic.Int64
	progressStreams atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		uploadEvents:    make(map[string]uint64),
		transcodeJobs:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared by the package-level helper
// functions.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
}

// ObserveUploadEvent counts one upload lifecycle event (initiated, finalized,
// direct, deleted, rejected).
func (r *Recorder) ObserveUploadEvent(event string) {
	name := normalizeName(event)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uploadEvents[name]++
}

// TranscodeJobStarted marks one job as running.
func (r *Recorder) TranscodeJobStarted() {
	r.recordTranscodeJob("started")
	r.activeJobs.Add(1)
}

// TranscodeJobCompleted marks one running job as finished successfully.
func (r *Recorder) TranscodeJobCompleted() {
	r.recordTranscodeJob("completed")
	r.decrementGauge(&r.activeJobs)
}

// TranscodeJobFailed marks one running job as failed.
func (r *Recorder) TranscodeJobFailed() {
	r.recordTranscodeJob("failed")
	r.decrementGauge(&r.activeJobs)
}

func (r *Recorder) recordTranscodeJob(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcodeJobs[status]++
}

// ProgressStreamOpened tracks one attached progress subscriber.
func (r *Recorder) ProgressStreamOpened() {
	r.progressStreams.Add(1)
}

// ProgressStreamClosed releases one attached progress subscriber.
func (r *Recorder) ProgressStreamClosed() {
	r.decrementGauge(&r.progressStreams)
}

// ActiveTranscodeJobs reports the current running-job gauge.
func (r *Recorder) ActiveTranscodeJobs() int64 {
	return r.activeJobs.Load()
}

// ActiveProgressStreams reports the current subscriber gauge.
func (r *Recorder) ActiveProgressStreams() int64 {
	return r.progressStreams.Load()
}

// Reset clears all collected metrics. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.uploadEvents = make(map[string]uint64)
	r.transcodeJobs = make(map[string]uint64)
	r.activeJobs.Store(0)
	r.progressStreams.Store(0)
}

// Handler exposes the recorder in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	uploadEvents := sortedKeys(r.uploadEvents)
	transcodeStatuses := sortedKeys(r.transcodeJobs)

	fmt.Fprintln(w, "# HELP vodforge_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE vodforge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodforge_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodforge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE vodforge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "vodforge_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP vodforge_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE vodforge_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "vodforge_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP vodforge_upload_events_total Upload lifecycle events by type")
	fmt.Fprintln(w, "# TYPE vodforge_upload_events_total counter")
	for _, event := range uploadEvents {
		fmt.Fprintf(w, "vodforge_upload_events_total{event=\"%s\"} %d\n", event, r.uploadEvents[event])
	}

	fmt.Fprintln(w, "# HELP vodforge_transcode_jobs_total Transcode job events by status")
	fmt.Fprintln(w, "# TYPE vodforge_transcode_jobs_total counter")
	for _, status := range transcodeStatuses {
		fmt.Fprintf(w, "vodforge_transcode_jobs_total{status=\"%s\"} %d\n", status, r.transcodeJobs[status])
	}

	fmt.Fprintln(w, "# HELP vodforge_active_transcode_jobs Current number of running transcode jobs")
	fmt.Fprintln(w, "# TYPE vodforge_active_transcode_jobs gauge")
	fmt.Fprintf(w, "vodforge_active_transcode_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP vodforge_progress_streams Current number of attached progress subscribers")
	fmt.Fprintln(w, "# TYPE vodforge_progress_streams gauge")
	fmt.Fprintf(w, "vodforge_progress_streams %d\n", r.progressStreams.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier guesses whether a path segment is a resource id rather
// than a route word, so metric cardinality stays bounded. Route words in this
// API ("complete-upload" and friends) are whitelisted explicitly.
func looksLikeIdentifier(segment string) bool {
	switch segment {
	case "init-upload", "upload-url", "complete-upload", "progress", "upload":
		return false
	}
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveUploadEvent is a helper on the default recorder.
func ObserveUploadEvent(event string) {
	defaultRecorder.ObserveUploadEvent(event)
}

// TranscodeJobStarted is a helper on the default recorder.
func TranscodeJobStarted() {
	defaultRecorder.TranscodeJobStarted()
}

// TranscodeJobCompleted is a helper on the default recorder.
func TranscodeJobCompleted() {
	defaultRecorder.TranscodeJobCompleted()
}

// TranscodeJobFailed is a helper on the default recorder.
func TranscodeJobFailed() {
	defaultRecorder.TranscodeJobFailed()
}

// ProgressStreamOpened is a helper on the default recorder.
func ProgressStreamOpened() {
	defaultRecorder.ProgressStreamOpened()
}

// ProgressStreamClosed is a helper on the default recorder.
func ProgressStreamClosed() {
	defaultRecorder.ProgressStreamClosed()
}

// Handler exposes the default recorder.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
