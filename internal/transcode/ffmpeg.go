package transcode

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	masterManifestName = "master.m3u8"
	thumbnailName      = "thumbnail.jpg"
	segmentSeconds     = 10
)

// FFmpegEngine shells out to ffmpeg and ffprobe on the local PATH.
type FFmpegEngine struct {
	FFmpegPath  string
	FFprobePath string
	Logger      *slog.Logger
}

// NewFFmpegEngine returns an engine using the ffmpeg and ffprobe binaries
// found on PATH.
func NewFFmpegEngine(logger *slog.Logger) *FFmpegEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegEngine{FFmpegPath: "ffmpeg", FFprobePath: "ffprobe", Logger: logger}
}

func (e *FFmpegEngine) Transcode(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.InputPath) == "" {
		return Result{}, fmt.Errorf("input path is required")
	}
	if strings.TrimSpace(req.OutputDir) == "" {
		return Result{}, fmt.Errorf("output directory is required")
	}
	ladder := req.Renditions
	if len(ladder) == 0 {
		ladder = DefaultLadder()
	}

	absDir, err := filepath.Abs(req.OutputDir)
	if err != nil {
		return Result{}, err
	}
	for i := range ladder {
		if err := os.MkdirAll(filepath.Join(absDir, fmt.Sprintf("v%d", i)), 0o755); err != nil {
			return Result{}, err
		}
	}

	duration, err := e.probeDuration(ctx, req.InputPath)
	if err != nil {
		e.Logger.Warn("probe failed, progress disabled", "input", req.InputPath, "error", err)
		duration = 0
	}

	args := buildHLSArgs(req.InputPath, absDir, ladder)
	if err := e.runFFmpeg(ctx, args, duration, req.OnProgress); err != nil {
		return Result{}, fmt.Errorf("transcode %s: %w", req.InputPath, err)
	}

	thumbArgs := buildThumbnailArgs(req.InputPath, filepath.Join(absDir, thumbnailName))
	if err := e.runFFmpeg(ctx, thumbArgs, 0, nil); err != nil {
		return Result{}, fmt.Errorf("thumbnail %s: %w", req.InputPath, err)
	}

	files, err := collectOutputs(absDir)
	if err != nil {
		return Result{}, err
	}
	if req.OnProgress != nil {
		req.OnProgress(1)
	}
	return Result{
		Files:          files,
		MasterManifest: masterManifestName,
		Thumbnail:      thumbnailName,
	}, nil
}

// buildHLSArgs constructs a single ffmpeg invocation that splits the input
// into one scaled video stream per rendition and emits a vod HLS playlist
// set with a master manifest.
func buildHLSArgs(input, outputDir string, ladder []Rendition) []string {
	var filter strings.Builder
	filter.WriteString("[0:v]split=")
	filter.WriteString(strconv.Itoa(len(ladder)))
	for i := range ladder {
		fmt.Fprintf(&filter, "[v%d]", i+1)
	}
	for i, r := range ladder {
		fmt.Fprintf(&filter, ";[v%d]scale=w=%d:h=%d[v%dout]", i+1, r.Width, r.Height, i+1)
	}

	args := []string{"-y", "-i", input, "-filter_complex", filter.String()}

	for i, r := range ladder {
		args = append(args,
			"-map", fmt.Sprintf("[v%dout]", i+1),
			fmt.Sprintf("-c:v:%d", i), "libx264",
			fmt.Sprintf("-b:v:%d", i), fmt.Sprintf("%dk", r.Bitrate),
			fmt.Sprintf("-maxrate:v:%d", i), fmt.Sprintf("%dk", r.Bitrate),
			fmt.Sprintf("-bufsize:v:%d", i), fmt.Sprintf("%dk", r.Bitrate*2),
		)
	}
	for i, r := range ladder {
		args = append(args,
			"-map", "a:0",
			fmt.Sprintf("-c:a:%d", i), "aac",
			fmt.Sprintf("-b:a:%d", i), fmt.Sprintf("%dk", r.AudioBitrate),
			"-ac", "2",
		)
	}

	varStreamMap := make([]string, 0, len(ladder))
	for i := range ladder {
		varStreamMap = append(varStreamMap, fmt.Sprintf("v:%d,a:%d", i, i))
	}

	args = append(args,
		"-preset", "fast",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(outputDir, "v%v", "segment%03d.ts")),
		"-master_pl_name", masterManifestName,
		"-var_stream_map", strings.Join(varStreamMap, " "),
		"-progress", "pipe:1",
		"-nostats",
		filepath.ToSlash(filepath.Join(outputDir, "v%v", "index.m3u8")),
	)
	return args
}

// buildThumbnailArgs grabs a single 1280x720 frame one second in.
func buildThumbnailArgs(input, output string) []string {
	return []string{
		"-y",
		"-ss", "00:00:01.000",
		"-i", input,
		"-vframes", "1",
		"-vf", "scale=1280:720",
		output,
	}
}

func (e *FFmpegEngine) runFFmpeg(ctx context.Context, args []string, duration float64, onProgress func(float64)) error {
	cmd := exec.CommandContext(ctx, e.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	var stdout io.ReadCloser
	if onProgress != nil && duration > 0 {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		stdout = pipe
	}

	if err := cmd.Start(); err != nil {
		return err
	}
	if stdout != nil {
		watchProgress(stdout, duration, onProgress)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, tail(stderr.String(), 512))
	}
	return nil
}

// watchProgress reads key=value lines emitted by -progress pipe:1 and
// reports the encoded position as a fraction of the known duration. Values
// are clamped so callbacks never exceed 1 or go backwards on seek jitter.
func watchProgress(r io.Reader, duration float64, onProgress func(float64)) {
	scanner := bufio.NewScanner(r)
	last := -1.0
	for scanner.Scan() {
		fraction, ok := parseProgressLine(scanner.Text(), duration)
		if !ok || fraction <= last {
			continue
		}
		last = fraction
		onProgress(fraction)
	}
}

// parseProgressLine extracts a completion fraction from one ffmpeg progress
// line. Only out_time_us lines carry position information.
func parseProgressLine(line string, duration float64) (float64, bool) {
	key, value, found := strings.Cut(strings.TrimSpace(line), "=")
	if !found || key != "out_time_us" || duration <= 0 {
		return 0, false
	}
	micros, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || micros < 0 {
		return 0, false
	}
	fraction := (micros / 1e6) / duration
	if fraction > 1 {
		fraction = 1
	}
	return fraction, true
}

func (e *FFmpegEngine) probeDuration(ctx context.Context, input string) (float64, error) {
	cmd := exec.CommandContext(ctx, e.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		input,
	)
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", input, err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: parse duration: %w", input, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("ffprobe %s: non-positive duration", input)
	}
	return duration, nil
}

// collectOutputs lists every regular file under dir as a slash-separated
// path relative to dir, sorted for stable ordering.
func collectOutputs(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
