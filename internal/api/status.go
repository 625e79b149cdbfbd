package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/blindspot/internal/api/models"
	"github.com/smazurov/blindspot/internal/version"
)

func (s *Server) busConnected() bool {
	return s.options.Bus != nil && s.options.Bus.IsConnected()
}

func (s *Server) registerStatusRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/api/status",
		Summary:     "System status",
		Description: "Current system state, bus connectivity and process uptime",
		Tags:        []string{"status"},
	}, func(_ context.Context, _ *struct{}) (*models.StatusResponse, error) {
		data := models.NewStatusData(s.options.Store.Snapshot(), s.busConnected(), time.Since(s.options.StartTime))
		return &models.StatusResponse{
			Body: models.StatusBody{Success: true, Data: data},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Liveness and bus connectivity",
		Tags:        []string{"health"},
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		mqtt := "disconnected"
		if s.busConnected() {
			mqtt = "connected"
		}
		return &models.HealthResponse{
			Body: models.HealthData{
				Status:    "healthy",
				Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
				MQTT:      mqtt,
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				GoVersion: info.GoVersion,
				Platform:  info.Platform,
				Modified:  info.Modified,
			},
		}, nil
	})
}
