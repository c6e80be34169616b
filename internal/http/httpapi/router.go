package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"drisya/internal/http/handlers"
	"drisya/internal/metrics"
	"drisya/internal/middleware"
)

// Options configures the router around an App.
type Options struct {
	JWTSecret       string
	CORSOrigins     []string
	RateLimitPerMin int
	DefaultLocale   string
	CountryLookup   middleware.CountryLookup
	// Static serves stored outputs under /static when set.
	Static stdhttp.Handler
	Logger zerolog.Logger
}

func NewRouter(app *handlers.App, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		metrics.InstrumentHandler,
		middleware.CORS(opts.CORSOrigins),
		middleware.ClientInfo(opts.DefaultLocale, opts.CountryLookup),
	)

	r.Method(stdhttp.MethodGet, "/metrics", metrics.Handler())
	if opts.Static != nil {
		r.Mount("/static", stdhttp.StripPrefix("/static", opts.Static))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", app.Health)
		r.Get("/openapi.json", app.OpenAPIJSON)
		r.Get("/docs", app.OpenAPIDocs)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AuthJWT(opts.JWTSecret))
			r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))

			r.Get("/balance", app.Balance)
			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", app.ListJobs)
				r.Post("/", app.CreateJob)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", app.GetJob)
					r.Post("/retry", app.RetryJob)
					r.Get("/download", app.DownloadJob)
					r.Get("/events", app.JobEvents)
				})
			})
		})
	})

	return r
}
