// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ffmpeg"
)

// Transcoder converts media between formats when a content variant's native
// format is unsupported by the destination platform (animated sticker to
// still image, voice codecs, and so on). Failures come back as
// ConversionError so the router can fall back instead of failing the relay.
type Transcoder interface {
	Convert(ctx context.Context, data []byte, sourceMime, targetMime string) ([]byte, error)
}

// FFmpegTranscoder shells out to ffmpeg. When the binary is missing every
// Convert call fails with a ConversionError and the router's fallback path
// takes over.
type FFmpegTranscoder struct {
	log zerolog.Logger
}

// NewFFmpegTranscoder builds the default transcoder.
func NewFFmpegTranscoder(log zerolog.Logger) *FFmpegTranscoder {
	return &FFmpegTranscoder{log: log.With().Str("component", "transcoder").Logger()}
}

// Available reports whether ffmpeg can run on this host.
func (t *FFmpegTranscoder) Available() bool {
	return ffmpeg.Supported()
}

// outputSpec returns the extension and encoder args for a target mime type.
func outputSpec(targetMime string) (ext string, args []string, err error) {
	switch targetMime {
	case "image/png":
		return ".png", []string{"-frames:v", "1"}, nil
	case "image/jpeg":
		return ".jpg", []string{"-frames:v", "1"}, nil
	case "audio/ogg":
		return ".ogg", []string{"-c:a", "libopus"}, nil
	case "audio/mpeg":
		return ".mp3", []string{"-c:a", "libmp3lame"}, nil
	case "video/mp4":
		return ".mp4", []string{"-c:v", "libx264", "-pix_fmt", "yuv420p"}, nil
	default:
		return "", nil, fmt.Errorf("no encoder configured for %s", targetMime)
	}
}

// Convert transcodes data from sourceMime to targetMime.
func (t *FFmpegTranscoder) Convert(ctx context.Context, data []byte, sourceMime, targetMime string) ([]byte, error) {
	if !ffmpeg.Supported() {
		return nil, &ConversionError{
			SourceMime: sourceMime,
			TargetMime: targetMime,
			Err:        fmt.Errorf("ffmpeg not available"),
		}
	}
	ext, outputArgs, err := outputSpec(targetMime)
	if err != nil {
		return nil, &ConversionError{SourceMime: sourceMime, TargetMime: targetMime, Err: err}
	}
	out, err := ffmpeg.ConvertBytes(ctx, data, ext, nil, outputArgs, sourceMime)
	if err != nil {
		return nil, &ConversionError{SourceMime: sourceMime, TargetMime: targetMime, Err: err}
	}
	t.log.Debug().
		Str("source_mime", sourceMime).
		Str("target_mime", targetMime).
		Int("in_bytes", len(data)).
		Int("out_bytes", len(out)).
		Msg("Transcoded media")
	return out, nil
}
