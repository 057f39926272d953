package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs an external recognizer over a WAV rendering of the
// audio captured so far. The command prints {"text": ..., "confidence": ...}.
type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecEngine(cfg config.STTConfig) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Available(context.Context) error {
	if _, err := exec.LookPath(r.cmd[0]); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *execRecognizer) Open(ctx context.Context, format capture.Format) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &execStream{
		rec:    r,
		format: format,
		box:    newMailbox(),
		finish: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	if r.cfg.MaxWindowMS > 0 {
		s.maxBytes = format.FrameBytes(time.Duration(r.cfg.MaxWindowMS) * time.Millisecond)
	}
	go s.loop()
	return s, nil
}

func (r *execRecognizer) transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp(os.TempDir(), "scribe_stt_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, sampleRate, channels); err != nil {
		return Result{}, err
	}

	args := append([]string{}, r.cmd...)
	base := args[0]
	cmdArgs := args[1:]
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}
	if !final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode stt response: %w", err)
	}
	return Result{Text: resp.Text, Confidence: resp.Confidence, Final: final}, nil
}

// execStream re-runs the recognizer over the buffered audio every
// partial_every_ms, and once more when the audio ends. Once the buffer
// exceeds max_window_ms, the audio already covered by the last result is
// dropped and that result's text is kept as a committed prefix, so a word
// spoken across the cut may be split.
type execStream struct {
	rec      *execRecognizer
	format   capture.Format
	box      *mailbox
	maxBytes int

	mu        sync.Mutex
	pcm       []byte
	dirty     bool
	covered   int
	lastText  string
	committed string

	finish     chan struct{}
	finishOnce sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
}

func (s *execStream) Send(pcm []byte) error {
	if s.box.isClosed() {
		return ErrStreamClosed
	}
	s.mu.Lock()
	s.pcm = append(s.pcm, pcm...)
	s.dirty = true
	s.mu.Unlock()
	return nil
}

func (s *execStream) CloseSend() error {
	s.finishOnce.Do(func() { close(s.finish) })
	return nil
}

func (s *execStream) Recv() (Result, error) {
	return s.box.recv()
}

func (s *execStream) Close() error {
	s.cancel()
	s.box.close()
	return nil
}

func (s *execStream) snapshot() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirty := s.dirty
	s.dirty = false
	return append([]byte(nil), s.pcm...), dirty
}

func (s *execStream) overWindow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxBytes > 0 && len(s.pcm) > s.maxBytes
}

// settle records a result computed over the first n buffered bytes and
// returns it with the committed prefix applied. When the buffer is over the
// window it rolls the covered audio into the prefix.
func (s *execStream) settle(n int, res Result) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.covered = n
	s.lastText = res.Text
	res.Text = joinSegments(s.committed, res.Text)
	if s.maxBytes > 0 && len(s.pcm) > s.maxBytes && s.covered > 0 {
		s.committed = res.Text
		s.pcm = append([]byte(nil), s.pcm[s.covered:]...)
		s.covered = 0
		s.lastText = ""
	}
	return res
}

func (s *execStream) loop() {
	var tick <-chan time.Time
	interval := time.Duration(s.rec.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	interim := s.rec.cfg.PublishInterim && s.rec.cfg.PartialEveryMS > 0
	if interim || s.maxBytes > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-tick:
			if !interim && !s.overWindow() {
				continue
			}
			pcm, dirty := s.snapshot()
			if !dirty || len(pcm) == 0 {
				continue
			}
			res, err := s.run(pcm, false)
			if err != nil {
				if s.ctx.Err() == nil {
					s.box.fail(err)
				}
				return
			}
			res = s.settle(len(pcm), res)
			if interim {
				s.box.put(res)
			}
		case <-s.finish:
			pcm, _ := s.snapshot()
			var res Result
			if len(pcm) > 0 {
				var err error
				res, err = s.run(pcm, true)
				if err != nil {
					if s.ctx.Err() == nil {
						s.box.fail(err)
					}
					return
				}
			}
			res = s.settle(len(pcm), res)
			res.Final = true
			s.box.put(res)
			s.box.end()
			return
		}
	}
}

func (s *execStream) run(pcm []byte, final bool) (Result, error) {
	ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
	defer cancel()
	return s.rec.transcribe(ctx, pcm, s.format.SampleRate, s.format.Channels, final)
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		sample := int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		samples[i] = sample
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
