package tts

import "context"

// SpeechStrategy fetches clips through the OpenAI-compatible route. It is
// the first fallback tried because it needs a single round trip.
type SpeechStrategy struct {
	Client *Client
}

func (s *SpeechStrategy) Name() string { return "openai_speech" }

func (s *SpeechStrategy) Fetch(ctx context.Context, text, voice string) ([]byte, error) {
	return s.Client.Speech(ctx, text, voice)
}

// GenerateStrategy fetches clips through the native form route, the last
// resort before giving up on synthesis entirely.
type GenerateStrategy struct {
	Client   *Client
	Language string
}

func (s *GenerateStrategy) Name() string { return "native_generate" }

func (s *GenerateStrategy) Fetch(ctx context.Context, text, voice string) ([]byte, error) {
	return s.Client.Generate(ctx, text, voice, s.Language)
}
