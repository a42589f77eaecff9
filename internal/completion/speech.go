package completion

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xaenox/wwtd-bot/internal/apperror"
)

// Voices lists the speech voices a user may pick.
var Voices = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}

// ValidVoice reports whether voice is one of Voices.
func ValidVoice(voice string) bool {
	for _, v := range Voices {
		if v == voice {
			return true
		}
	}
	return false
}

// Speaker turns reply text into audio. The returned bytes are OGG/Opus.
type Speaker interface {
	Speak(ctx context.Context, text, voice string) ([]byte, error)
}

func (c *OpenAICompleter) Speak(ctx context.Context, text, voice string) ([]byte, error) {
	if !ValidVoice(voice) {
		return nil, apperror.Validation(fmt.Sprintf("unknown voice %q", voice), nil)
	}

	resp, err := c.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatOpus,
		Speed:          1.0,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			c.logger.Error("OpenAI API error",
				zap.Error(err),
				zap.Int("status", apiErr.HTTPStatusCode),
				zap.String("voice", voice))
		} else {
			c.logger.Error("Failed to synthesize speech", zap.Error(err), zap.String("voice", voice))
		}
		return nil, apperror.Upstream("speech", err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, apperror.Upstream("speech", err)
	}
	return audio, nil
}
