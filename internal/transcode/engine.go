// Package transcode turns an uploaded source file into an adaptive-bitrate
// HLS rendition set plus a poster thumbnail.
package transcode

import "context"

// Rendition describes one output variant of the HLS ladder.
type Rendition struct {
	Name      string
	Width     int
	Height    int
	// Bitrate is the target video bitrate in kbit/s.
	Bitrate int
	// AudioBitrate is the target audio bitrate in kbit/s.
	AudioBitrate int
}

// DefaultLadder is the rendition set used when a job does not override it.
func DefaultLadder() []Rendition {
	return []Rendition{
		{Name: "1080p", Width: 1920, Height: 1080, Bitrate: 5000, AudioBitrate: 192},
		{Name: "720p", Width: 1280, Height: 720, Bitrate: 2800, AudioBitrate: 128},
		{Name: "360p", Width: 640, Height: 360, Bitrate: 800, AudioBitrate: 96},
	}
}

// Request holds everything the engine needs to produce one rendition set.
type Request struct {
	InputPath string
	OutputDir string
	// Renditions defaults to DefaultLadder when empty.
	Renditions []Rendition
	// OnProgress receives monotonically increasing values in [0, 1].
	// It is called from the encoding goroutine and must not block.
	OnProgress func(fraction float64)
}

// Result describes the files the engine wrote under Request.OutputDir.
type Result struct {
	// Files are paths relative to OutputDir, including the master
	// manifest, variant manifests, segments, and the thumbnail.
	Files []string
	// MasterManifest is the relative path of the top-level playlist.
	MasterManifest string
	// Thumbnail is the relative path of the poster image.
	Thumbnail string
}

// Engine produces HLS output from a local source file.
type Engine interface {
	Transcode(ctx context.Context, req Request) (Result, error)
}
