package handlers

import "github.com/go-chi/chi/v5"

// Routes mounts every API endpoint on a fresh router. Middleware is the
// caller's concern.
func Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/sessions", func(sr chi.Router) {
			sr.Post("/", CreateSession)
			sr.Get("/", ListSessions)
			sr.Route("/{id}", func(one chi.Router) {
				one.Get("/", GetSession)
				one.Delete("/", DeleteSession)
				one.Post("/reconnect", ReconnectSession)
				one.Post("/fingerprint", ResolveFingerprint)
				one.Get("/stream", StreamSession)
				one.Get("/ws", SessionWS)
			})
		})

		api.Route("/devices", func(dr chi.Router) {
			dr.Get("/", ListDevices)
			dr.Post("/", UpsertDevice)
			dr.Get("/{name}", GetDevice)
		})

		api.Route("/logs", func(lr chi.Router) {
			lr.Get("/", ServiceLog)
			lr.Delete("/", ClearServiceLog)
		})

		api.Route("/credentials", func(cr chi.Router) {
			cr.Get("/", ListCredentials)
			cr.Put("/", StoreCredential)
			cr.Delete("/", DeleteCredential)
		})
	})

	return r
}
