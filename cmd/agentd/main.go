package main

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/parley-chat/parley/internal/agentd"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/logger"
)

func main() {
	logger.Setup()

	srv := agentd.NewServer(agentd.NewHistoryStore(), agentd.NewReplier())
	addr := config.GetListenAddr()

	log.Info().Str("addr", addr).Msg("Agent dev server starting")
	if err := http.ListenAndServe(addr, srv.Router()); err != nil {
		log.Fatal().Err(err).Msg("ListenAndServe error")
	}
}
