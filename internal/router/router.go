package router

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/fieldserv/api/internal/blob"
	"github.com/fieldserv/api/internal/config"
	"github.com/fieldserv/api/internal/database"
	"github.com/fieldserv/api/internal/enum"
	"github.com/fieldserv/api/internal/handler"
	mw "github.com/fieldserv/api/internal/middleware"
	"github.com/fieldserv/api/internal/schema"
	"github.com/fieldserv/api/internal/service"
	"github.com/fieldserv/api/internal/ws"
)

// New creates a Chi router with all application routes wired up.
// Applies authentication, company scoping, and role-based middleware as needed.
func New(cfg *config.Config, queries *database.Queries, blobs blob.Store, hub *ws.Hub) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Public routes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Auth routes (public)
	authHandler := handler.NewAuthHandler(queries, cfg.JWTSecret)
	authHandler.RegisterRoutes(r)

	// Uploaded attachments are served straight from disk.
	r.Handle("/blobs/*", http.StripPrefix("/blobs/", http.FileServer(http.Dir(cfg.BlobDir))))

	// WebSocket route (handles auth internally via query param)
	r.Get("/ws/companies/{cid}/orders", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWS(hub, cfg.JWTSecret, w, r)
	})

	schemas := schema.NewProvider(queries)
	orders := service.NewOrders(queries, schemas, blobs)

	// Protected routes (require authentication)
	r.Group(func(r chi.Router) {
		r.Use(mw.Authenticate(cfg.JWTSecret))

		// Users (company scoping enforced inside the handler)
		userHandler := handler.NewUserHandler(queries)
		userHandler.RegisterRoutes(r)

		// Company-scoped routes
		r.Route("/companies/{cid}", func(r chi.Router) {
			r.Use(mw.RequireCompany)

			// Form configuration; writes are dispatcher/admin only
			schemaHandler := handler.NewSchemaHandler(schemas, queries)
			r.Route("/schema", func(r chi.Router) {
				r.Get("/{context}", schemaHandler.Get)
				r.Group(func(r chi.Router) {
					r.Use(mw.RequireRole(enum.RoleDispatcher, enum.RoleAdmin))
					r.Put("/{context}/{key}", schemaHandler.Put)
				})
			})

			// Orders
			orderHandler := handler.NewOrderHandler(orders, queries, hub)
			r.Route("/orders", func(r chi.Router) {
				orderHandler.RegisterRoutes(r)

				// Attachments (nested under orders)
				attachmentHandler := handler.NewAttachmentHandler(orders, hub)
				r.Route("/{id}/attachments", attachmentHandler.RegisterRoutes)
			})
		})
	})

	log.Println("Router initialized with all handlers")
	return r
}
