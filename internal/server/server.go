package server

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"napochat/internal/cache"
	"napochat/internal/metrics"
	"napochat/internal/providers"
	"napochat/internal/stats"
	"napochat/internal/storage"
)

//go:embed templates
var templatesFS embed.FS

//go:embed static
var staticFS embed.FS

// InstructionRepo is the storage surface the admin handlers need. Every
// operation is scoped by app id.
type InstructionRepo interface {
	ListInstructions(ctx context.Context, appID string) ([]storage.Instruction, error)
	CreateInstruction(ctx context.Context, appID, title, content string) (storage.Instruction, error)
	UpdateInstruction(ctx context.Context, appID, id, title, content string) error
	DeleteInstruction(ctx context.Context, appID, id string) error
}

// Relayer forwards a chat transcript and returns the assistant reply text.
type Relayer interface {
	Send(ctx context.Context, history []providers.Message, userID *string) (string, error)
}

// StatsProvider answers the dashboard aggregation queries.
type StatsProvider interface {
	Stats(ctx context.Context, now time.Time) (stats.ChatStats, error)
	Chart(ctx context.Context) ([]stats.ChartPoint, error)
}

// StatsCache holds pre-computed dashboard payloads. Implementations must
// tolerate being nil-backed; cache failures never fail a request.
type StatsCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Invalidate(ctx context.Context, keys ...string) error
}

type Config struct {
	AppID        string
	Instructions InstructionRepo
	Relay        Relayer
	Stats        StatsProvider
	Cache        StatsCache
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

type Server struct {
	appID        string
	instructions InstructionRepo
	relay        Relayer
	stats        StatsProvider
	cache        StatsCache
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	pages        map[string]*template.Template
	mux          *http.ServeMux
}

func New(cfg Config) (*Server, error) {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	// A nil *cache.Cache is a valid always-miss cache; normalize an unset
	// interface to it so handlers never nil-check.
	if cfg.Cache == nil {
		cfg.Cache = (*cache.Cache)(nil)
	}
	pages, err := parsePages()
	if err != nil {
		return nil, err
	}

	s := &Server{
		appID:        cfg.AppID,
		instructions: cfg.Instructions,
		relay:        cfg.Relay,
		stats:        cfg.Stats,
		cache:        cfg.Cache,
		logger:       cfg.Logger,
		metrics:      m,
		pages:        pages,
	}

	mux := http.NewServeMux()

	staticSub, err := fs.Sub(staticFS, "static")
	if err != nil {
		return nil, fmt.Errorf("getting static subfs: %w", err)
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	mux.HandleFunc("GET /{$}", s.handleChatPage)
	mux.HandleFunc("GET /editor", s.handleEditorPage)
	mux.HandleFunc("GET /admin", s.handleAdminPage)

	mux.HandleFunc("OPTIONS /api/", s.handlePreflight)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("GET /api/instructions", s.handleListInstructions)
	mux.HandleFunc("POST /api/instructions", s.handleCreateInstruction)
	mux.HandleFunc("PUT /api/instructions/{id}", s.handleUpdateInstruction)
	mux.HandleFunc("DELETE /api/instructions/{id}", s.handleDeleteInstruction)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/stats/chart", s.handleChart)

	s.mux = mux
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// parsePages combines layout.html with each page template.
func parsePages() (map[string]*template.Template, error) {
	tmplFS, err := fs.Sub(templatesFS, "templates")
	if err != nil {
		return nil, fmt.Errorf("getting templates subfs: %w", err)
	}

	layoutBytes, err := fs.ReadFile(tmplFS, "layout.html")
	if err != nil {
		return nil, fmt.Errorf("reading layout: %w", err)
	}

	pageNames := []string{
		"chat.html",
		"editor.html",
		"admin.html",
	}

	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		pageBytes, err := fs.ReadFile(tmplFS, name)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}

		tmpl, err := template.New("layout.html").Parse(string(layoutBytes))
		if err != nil {
			return nil, fmt.Errorf("parsing layout for %s: %w", name, err)
		}
		if _, err := tmpl.New(name).Parse(string(pageBytes)); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", name, err)
		}

		pages[name] = tmpl
	}
	return pages, nil
}

func (s *Server) renderPage(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		s.logger.Error().Str("template", name).Msg("template not found")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "layout.html", data); err != nil {
		s.logger.Error().Err(err).Str("template", name).Msg("render error")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
