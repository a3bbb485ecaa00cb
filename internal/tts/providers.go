package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"
)

var (
	ErrFirstByteTimeout = errors.New("tts: no audio before first-byte timeout")
	ErrNoAudio          = errors.New("tts: provider produced no audio")
)

// HTTPProviderConfig configures one streaming HTTP synthesis backend.
type HTTPProviderConfig struct {
	Name   string
	URL    string
	APIKey string
	Voice  string
	// Format is the provider's response encoding. "mulaw_8000" streams
	// straight through; "mp3" goes through the ffmpeg transcode pipeline.
	Format  string
	Timeout time.Duration
}

// HTTPProvider streams synthesized audio from an HTTP endpoint. MP3
// responses are transcoded to μ-law 8 kHz through ffmpeg; μ-law responses
// pass through untouched.
type HTTPProvider struct {
	cfg    HTTPProviderConfig
	client *http.Client
}

func NewHTTPProvider(cfg HTTPProviderConfig) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *HTTPProvider) Name() string    { return p.cfg.Name }
func (p *HTTPProvider) Streaming() bool { return true }

func (p *HTTPProvider) Synthesize(ctx context.Context, text string, emit func([]byte) error) error {
	body, err := json.Marshal(map[string]any{
		"text":          text,
		"voice":         p.cfg.Voice,
		"output_format": p.cfg.Format,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("tts %s: status %d", p.cfg.Name, resp.StatusCode)
	}

	src := io.Reader(resp.Body)
	if p.cfg.Format == "mp3" {
		tc, err := startTranscode(ctx, resp.Body)
		if err != nil {
			return err
		}
		defer tc.close()
		src = tc.out
	}

	buf := make([]byte, 4096)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if err := emit(buf[:n]); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// transcode wraps an ffmpeg process decoding compressed audio to raw μ-law
// 8 kHz mono on stdout.
type transcode struct {
	cmd *exec.Cmd
	out io.ReadCloser
}

func startTranscode(ctx context.Context, in io.Reader) (*transcode, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "mulaw", "-ar", "8000", "-ac", "1",
		"pipe:1")
	cmd.Stdin = in
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &transcode{cmd: cmd, out: out}, nil
}

func (t *transcode) close() {
	t.out.Close()
	t.cmd.Wait()
}

// SayProvider is the built-in telephony voice. It never produces audio
// itself; the sink receives a marker and the telephony layer renders it as
// a platform announcement.
type SayProvider struct{}

func (SayProvider) Name() string    { return "builtin-say" }
func (SayProvider) Streaming() bool { return false }
func (SayProvider) Synthesize(context.Context, string, func([]byte) error) error {
	return errors.New("tts: builtin provider is marker-only")
}

// BuildChain assembles providers from the configured name list. Unknown
// names are skipped; the built-in voice is always appended as the terminal
// fallback.
func BuildChain(names []string, premium, secondary HTTPProviderConfig) []Provider {
	var out []Provider
	for _, n := range names {
		switch n {
		case premium.Name:
			if premium.URL != "" {
				out = append(out, NewHTTPProvider(premium))
			}
		case secondary.Name:
			if secondary.URL != "" {
				out = append(out, NewHTTPProvider(secondary))
			}
		}
	}
	out = append(out, SayProvider{})
	return out
}
