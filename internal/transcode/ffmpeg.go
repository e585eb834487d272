package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Profile is the fixed target encoding.
type Profile struct {
	Preset       string
	CRF          int
	AudioBitrate string
}

// DefaultProfile is constant quality H.264/AAC with fast start.
var DefaultProfile = Profile{Preset: "veryfast", CRF: 23, AudioBitrate: "128k"}

// FFmpegConfig locates the binaries and bounds one encode.
type FFmpegConfig struct {
	FFmpegPath  string
	FFprobePath string
	Profile     Profile
	// Timeout bounds a single encoder run; 0 means no limit.
	Timeout time.Duration
}

// FFmpeg encodes local files with the ffmpeg/ffprobe binaries.
type FFmpeg struct {
	cfg    FFmpegConfig
	logger *zap.Logger
}

// NewFFmpeg creates an encoder. Empty fields fall back to PATH lookups and DefaultProfile.
func NewFFmpeg(cfg FFmpegConfig, logger *zap.Logger) *FFmpeg {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.Profile.Preset == "" {
		cfg.Profile.Preset = DefaultProfile.Preset
	}
	if cfg.Profile.CRF <= 0 {
		cfg.Profile.CRF = DefaultProfile.CRF
	}
	if cfg.Profile.AudioBitrate == "" {
		cfg.Profile.AudioBitrate = DefaultProfile.AudioBitrate
	}
	return &FFmpeg{cfg: cfg, logger: logger}
}

// Encode transforms input into an MP4 at output, calling onProgress with 0-100 as
// the encoder advances. The output is written to a sibling temp file and renamed
// on success.
func (f *FFmpeg) Encode(ctx context.Context, input, output string, onProgress func(percent int)) error {
	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	total, err := f.Probe(ctx, input)
	if err != nil {
		// Progress is unknown but the encode can still run.
		f.logger.Debug("probe duration failed", zap.Error(err), zap.String("input", input))
	}

	tmp := output + ".part.mp4"
	_ = os.Remove(tmp)

	cmd := exec.CommandContext(ctx, f.cfg.FFmpegPath, buildArgs(f.cfg.Profile, input, tmp)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	readProgress(stdout, total, onProgress)
	if err := cmd.Wait(); err != nil {
		_ = os.Remove(tmp)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("ffmpeg timed out after %s: %w", f.cfg.Timeout, ctx.Err())
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, lastLines(stderr.String(), 5))
	}
	if onProgress != nil {
		onProgress(100)
	}
	_ = os.Remove(output)
	return os.Rename(tmp, output)
}

// Probe returns the container duration of input.
func (f *FFmpeg) Probe(ctx context.Context, input string) (time.Duration, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=nokey=1:noprint_wrappers=1",
		input,
	}
	out, err := exec.CommandContext(ctx, f.cfg.FFprobePath, args...).Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	value := strings.TrimSpace(string(out))
	if value == "" || value == "N/A" {
		return 0, errors.New("duration missing")
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", value, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func buildArgs(p Profile, input, output string) []string {
	return []string{
		"-y",
		"-i", input,
		"-sn",
		"-map", "0:v:0?",
		"-map", "0:a:0?",
		"-progress", "pipe:1",
		"-nostats",
		"-c:v", "libx264",
		"-preset", p.Preset,
		"-crf", strconv.Itoa(p.CRF),
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", p.AudioBitrate,
		"-f", "mp4",
		"-movflags", "+faststart",
		output,
	}
}

// readProgress consumes ffmpeg's -progress key=value stream. Percentages are capped
// at 99 until the process exits; the caller reports 100. Nothing is reported when
// total is unknown.
func readProgress(r io.Reader, total time.Duration, onProgress func(int)) {
	scanner := bufio.NewScanner(r)
	last := -1
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || total <= 0 || onProgress == nil {
			continue
		}
		// out_time_ms is in microseconds despite its name.
		if key != "out_time_us" && key != "out_time_ms" {
			continue
		}
		us, err := strconv.ParseInt(value, 10, 64)
		if err != nil || us < 0 {
			continue
		}
		percent := int(float64(us) / float64(total.Microseconds()) * 100)
		if percent > 99 {
			percent = 99
		}
		if percent > last {
			last = percent
			onProgress(percent)
		}
	}
	_, _ = io.Copy(io.Discard, r)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
