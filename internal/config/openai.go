package config

import (
	"github.com/rs/zerolog/log"
)

func GetOpenAIKey() string {
	value := GetEnvOrDefault("OPENAI_API_KEY", "")
	if value == "" {
		log.Debug().Msg("OpenAI key not set - simulator uses scripted replies")
	}
	return value
}

// GetOpenAIModel returns the chat model used by the dev agent simulator.
func GetOpenAIModel() string {
	return GetEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini")
}
