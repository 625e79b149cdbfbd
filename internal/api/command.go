package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/blindspot/internal/api/models"
)

func (s *Server) registerCommandRoutes() {
	op := huma.Operation{
		OperationID:   "send-command",
		Method:        http.MethodPost,
		Path:          "/api/command",
		Summary:       "Send command",
		Description:   "Forward a JSON command to the device commands topic. Fire-and-forget: acceptance does not mean delivery.",
		Tags:          []string{"commands"},
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{400},
		// Commands are arbitrary JSON documents, checked with json.Valid below.
		SkipValidateBody: true,
	}
	if s.options.AuthUsername != "" && s.options.AuthPassword != "" {
		op.Security = withAuth()
		op.Errors = append(op.Errors, 401)
	}

	huma.Register(s.api, op, func(ctx context.Context, input *models.CommandRequest) (*models.CommandResponse, error) {
		if !json.Valid(input.RawBody) {
			return nil, huma.Error400BadRequest("command must be a JSON document")
		}

		if s.options.Commands != nil {
			s.options.Commands.Forward(ctx, json.RawMessage(input.RawBody), "http")
		}

		return &models.CommandResponse{Body: models.CommandData{Success: true}}, nil
	})
}
