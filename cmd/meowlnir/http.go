package main

import (
	"net/http"
	"slices"

	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/requestlog"
)

func (m *Meowlnir) AddHTTPEndpoints() {
	reportRouter := http.NewServeMux()
	reportRouter.HandleFunc("POST /v3/rooms/{roomID}/report/{eventID}", m.PostReport)
	reportRouter.HandleFunc("POST /v3/rooms/{roomID}/report", m.PostReport)
	reportRouter.HandleFunc("POST /v3/users/{userID}/report", m.PostReport)
	m.AS.Router.PathPrefix("/_matrix/client").Handler(applyMiddleware(
		http.StripPrefix("/_matrix/client", reportRouter),
		hlog.NewHandler(m.Log.With().Str("component", "reporting api").Logger()),
		exhttp.CORSMiddleware,
		requestlog.AccessLogger(false),
		SecretAuth(m.loadSecret(m.Config.Daemon.ManagementSecret)),
	))

	healthRouter := http.NewServeMux()
	healthRouter.HandleFunc("GET /v1/health", m.GetHealth)
	m.AS.Router.PathPrefix("/_meowlnir").Handler(applyMiddleware(
		http.StripPrefix("/_meowlnir", healthRouter),
		hlog.NewHandler(m.Log.With().Str("component", "health api").Logger()),
		exhttp.CORSMiddleware,
		requestlog.AccessLogger(false),
	))
}

func applyMiddleware(router http.Handler, middleware ...func(http.Handler) http.Handler) http.Handler {
	slices.Reverse(middleware)
	for _, m := range middleware {
		router = m(router)
	}
	return router
}
