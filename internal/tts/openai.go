package tts

import (
	"context"
	"fmt"
	"io"

	"github.com/loqalabs/loqa-narrator/internal/audio"
	"github.com/sashabaranov/go-openai"
)

// openAISynth talks to an OpenAI-compatible /audio/speech endpoint, such as a
// Kokoro server. Temperature has no equivalent there and is not sent.
type openAISynth struct {
	client *openai.Client
	model  string
}

func NewOpenAISynth(endpoint, apiKey, model string) Synthesizer {
	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = endpoint
	}
	return &openAISynth{client: openai.NewClientWithConfig(cfg), model: model}
}

func (o *openAISynth) SupportsCloning() bool { return false }

func (o *openAISynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(o.model),
			Input:          req.Text,
			Voice:          openai.SpeechVoice(req.Voice),
			ResponseFormat: openai.SpeechResponseFormatWav,
			Speed:          req.Speed,
		})
		if err != nil {
			errs <- fmt.Errorf("create speech: %w", err)
			return
		}
		defer resp.Close()
		data, err := io.ReadAll(resp)
		if err != nil {
			errs <- fmt.Errorf("read speech: %w", err)
			return
		}
		buf, err := audio.DecodeWAV(data)
		if err != nil {
			errs <- fmt.Errorf("decode speech: %w", err)
			return
		}
		buf = audio.Convert(buf, audio.Layout{SampleRate: buf.SampleRate, Channels: buf.Channels, Format: audio.Int16})
		chunks <- SynthChunk{
			SampleRate: buf.SampleRate,
			Channels:   buf.Channels,
			PCM:        buf.Samples,
			Final:      true,
		}
	}()
	return chunks, errs
}
