package config

import (
	"github.com/rs/zerolog/log"
)

// GetAPIBaseURL returns the REST base URL of the agent backend.
func GetAPIBaseURL() string {
	value := GetEnvOrDefault("PARLEY_API_URL", "http://localhost:8080")
	log.Debug().Str("url", value).Msg("API base URL loaded")
	return value
}

// GetListenAddr returns the bind address for the dev agent server.
func GetListenAddr() string {
	return GetEnvOrDefault("PARLEY_LISTEN_ADDR", ":8080")
}
