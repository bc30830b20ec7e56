package routes

import (
	"net/http"
	"os"
	"path/filepath"

	"fieldscan/internal/config"
	"fieldscan/internal/handler"
	"fieldscan/internal/logger"
	"fieldscan/internal/middleware"
	"fieldscan/internal/repository"
	"fieldscan/internal/service/websocket"
)

// dynamicHTMLHandler serves /path as /static/path.html if the file exists; otherwise 404.
func dynamicHTMLHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == "/" {
		path = "/index"
	}

	filePath := filepath.Join("static", path+".html")

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, filePath)
}

// SetupRoutes registers the scanner API, the inspection archive, log
// endpoints and static files, and wraps the mux with request logging.
func SetupRoutes(scanner handler.Scanner, hub *websocket.HubService, inspectionRepo repository.InspectionRepository,
	cfg *config.Config, logger *logger.Logger) http.Handler {
	mux := http.NewServeMux()
	api := logger.Named("api")

	// Static files
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir("static"))))

	// Scanner session
	mux.HandleFunc("/api/init", handler.InitHandler(scanner, api))
	mux.HandleFunc("/api/status", handler.StatusHandler(scanner, api))
	mux.HandleFunc("/api/capture", handler.CaptureHandler(scanner, api))
	mux.HandleFunc("/api/draft", handler.DraftHandler(scanner, api))
	mux.HandleFunc("/api/draft/adjust", handler.AdjustDraftHandler(scanner, api))
	mux.HandleFunc("/api/draft/finalize", handler.FinalizeHandler(scanner, api))
	mux.HandleFunc("/api/preview", handler.PreviewHandler(scanner, api))
	mux.HandleFunc("/api/municipalities", handler.MunicipalitiesHandler(scanner, api))
	mux.HandleFunc("/api/view", handler.ViewWebsocketHandler(hub, api))

	// Stored inspections
	mux.HandleFunc("/api/inspections", handler.GetInspectionsHandler(inspectionRepo, api))
	mux.HandleFunc("/api/inspections/image", handler.ViewInspectionImageHandler(inspectionRepo, api))
	mux.HandleFunc("/api/inspections/delete", handler.DeleteInspectionHandler(inspectionRepo, api))

	// Log endpoints
	mux.HandleFunc("/logs/info", handler.ShowInfoLogsHandler(cfg))
	mux.HandleFunc("/logs/warning", handler.ShowWarningLogsHandler(cfg))
	mux.HandleFunc("/logs/error", handler.ShowErrorLogsHandler(cfg))

	mux.HandleFunc("/logs/info/clear", handler.ClearInfoLogsHandler(logger))
	mux.HandleFunc("/logs/warning/clear", handler.ClearWarningLogsHandler(logger))
	mux.HandleFunc("/logs/error/clear", handler.ClearErrorLogsHandler(logger))

	// Automatic HTML handler mapping for example: /review -> /static/review.html
	mux.HandleFunc("/", dynamicHTMLHandler)

	return middleware.LoggingMiddleware(api, mux)
}
