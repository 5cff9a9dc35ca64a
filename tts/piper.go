// Package tts synthesizes speech server-side for clients that cannot run
// text-to-speech in the browser.
package tts

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Synthesizer turns text into WAV audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// PiperConfig configures the piper CLI synthesizer.
type PiperConfig struct {
	Binary string
	Model  string
	// Speed is a playback-rate multiplier; piper takes the inverse as its
	// length scale.
	Speed   float64
	Timeout time.Duration
}

// Piper synthesizes speech by running the piper CLI per request. Piper loads
// its model fast enough that a persistent process is not worth the pipe
// management.
type Piper struct {
	cfg PiperConfig
	log *slog.Logger
}

// NewPiper validates the model path and returns a synthesizer.
func NewPiper(cfg PiperConfig, log *slog.Logger) (*Piper, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = "piper"
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 1.0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if _, err := os.Stat(cfg.Model); err != nil {
		return nil, fmt.Errorf("piper model not found at %s: %w", cfg.Model, err)
	}

	log.Info("tts synthesizer initialized", "binary", cfg.Binary, "model", cfg.Model)
	return &Piper{cfg: cfg, log: log}, nil
}

// Synthesize runs piper with the text on stdin and returns the WAV bytes
// from stdout.
func (p *Piper) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	lengthScale := 1.0 / p.cfg.Speed
	cmd := exec.CommandContext(ctx, p.cfg.Binary,
		"--model", p.cfg.Model,
		"--length_scale", strconv.FormatFloat(lengthScale, 'f', 2, 64),
		"--output_file", "-",
	)
	cmd.Stdin = strings.NewReader(text)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("tts synthesis timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("piper failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	audio := stdout.Bytes()
	if len(audio) == 0 {
		return nil, fmt.Errorf("piper produced no audio")
	}

	p.log.Debug("synthesized speech", "chars", len(text), "bytes", len(audio), "elapsed", time.Since(start))
	return audio, nil
}
