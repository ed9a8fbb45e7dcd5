package app

import (
	"context"
	"fmt"

	"github.com/nordlys-ai/skald/internal/config"
	"github.com/nordlys-ai/skald/pkg/adapter"
	"github.com/nordlys-ai/skald/pkg/client/tts"
)

// speaker backs the outbound messages endpoint: synthesize the text and
// play it over a fresh output adapter built from the configured output
// settings. Each call gets its own adapter instance so concurrent
// announcements never share playback state.
type speaker struct {
	tts      tts.Synthesizer
	adapters *adapter.Registry
	output   config.AdapterConfig
	voice    string
}

func (s *speaker) Speak(ctx context.Context, channel, text, voice string) error {
	if voice == "" {
		voice = s.voice
	}
	frames, err := s.tts.Synthesize(ctx, text, voice)
	if err != nil {
		return fmt.Errorf("app: synthesize announcement: %w", err)
	}

	settings := adapter.Settings{}
	for k, v := range s.output.Settings {
		settings[k] = v
	}
	if channel != "" {
		settings["channel"] = channel
	}
	out, err := s.adapters.NewOutput(string(s.output.Name), settings)
	if err != nil {
		return fmt.Errorf("app: build announcement output: %w", err)
	}
	defer out.Stop()

	if err := out.Play(ctx, frames); err != nil {
		return fmt.Errorf("app: play announcement: %w", err)
	}
	return nil
}
