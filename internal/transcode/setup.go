package transcode

import (
	"go.uber.org/zap"

	"github.com/hearth-family/backend/config"
	"github.com/hearth-family/backend/pkg/queue"
)

// NewFromConfig wires the ffmpeg encoder, processor and pool for cfg.
func NewFromConfig(cfg config.TranscodeConfig, objects ObjectStore, jobs *queue.Queue, logger *zap.Logger) *Pool {
	encoder := NewFFmpeg(FFmpegConfig{
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		Profile: Profile{
			Preset:       cfg.Preset,
			CRF:          cfg.CRF,
			AudioBitrate: cfg.AudioBitrate,
		},
		Timeout: cfg.Timeout,
	}, logger)
	processor := NewProcessor(objects, encoder, jobs, cfg.TempDir, logger)
	return NewPool(jobs, processor, PoolConfig{
		Workers:      cfg.Concurrency,
		RetryBackoff: cfg.RetryBackoff,
	}, logger)
}
