package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/carmelita-app/backend/internal/config"
	"github.com/carmelita-app/backend/internal/genai"
	"github.com/carmelita-app/backend/internal/models"
)

// GenerativeBackend is the slice of the genai client the service needs.
type GenerativeBackend interface {
	GenerateText(ctx context.Context, opts genai.TextOptions) (string, error)
	GenerateImage(ctx context.Context, model, prompt string) (*genai.InlineImage, error)
	GenerateVideo(ctx context.Context, opts genai.VideoOptions) (string, error)
	Download(ctx context.Context, uri string) ([]byte, string, error)
	KeyedURI(uri string) string
}

// MediaStore re-hosts generated media and returns a client-fetchable URL.
type MediaStore interface {
	UploadSigned(ctx context.Context, data []byte, contentType string) (string, error)
}

// GenerationLogStore records proxied requests; failures there never fail the request.
type GenerationLogStore interface {
	Log(ctx context.Context, userID string, kind models.GenerationKind, model, prompt string) error
}

type GenerationService struct {
	cfg     config.Config
	log     *slog.Logger
	backend GenerativeBackend
	media   MediaStore
	logs    GenerationLogStore
}

type GenerateRequest struct {
	Kind              models.GenerationKind
	Model             string
	Prompt            string
	SystemInstruction string
	SampleCount       int
	Resolution        string
	AspectRatio       string
}

// GenerateResult has exactly one field set, matching the requested kind.
type GenerateResult struct {
	Text        string
	ImageBase64 string
	VideoURI    string
}

func NewGenerationService(cfg config.Config, log *slog.Logger, backend GenerativeBackend, media MediaStore, logs GenerationLogStore) *GenerationService {
	return &GenerationService{
		cfg:     cfg,
		log:     log,
		backend: backend,
		media:   media,
		logs:    logs,
	}
}

// Generate dispatches one proxied request. Text and image resolve in a single
// backend call; video normalizes the backend's asynchronous job into a
// synchronous response by polling the operation handle to completion.
func (s *GenerationService) Generate(ctx context.Context, userID string, req GenerateRequest) (*GenerateResult, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if req.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt cannot be empty", ErrInvalidArgument)
	}

	var result *GenerateResult
	var model string
	var err error

	switch req.Kind {
	case models.KindText, models.KindJSON:
		model = defaultModel(req.Model, s.cfg.TextModel)
		var text string
		text, err = s.backend.GenerateText(ctx, genai.TextOptions{
			Model:             model,
			Prompt:            req.Prompt,
			SystemInstruction: req.SystemInstruction,
			JSONResponse:      req.Kind == models.KindJSON,
		})
		if err == nil {
			result = &GenerateResult{Text: text}
		}
	case models.KindImage:
		model = defaultModel(req.Model, s.cfg.ImageModel)
		var image *genai.InlineImage
		image, err = s.backend.GenerateImage(ctx, model, req.Prompt)
		if err == nil {
			result = &GenerateResult{ImageBase64: image.DataURI()}
		}
	case models.KindVideo:
		model = defaultModel(req.Model, s.cfg.VideoModel)
		var uri string
		uri, err = s.generateVideo(ctx, model, req)
		if err == nil {
			result = &GenerateResult{VideoURI: uri}
		}
	default:
		return nil, fmt.Errorf("%w: unsupported generation kind %q", ErrInvalidArgument, req.Kind)
	}
	if err != nil {
		return nil, err
	}

	if s.logs != nil {
		if logErr := s.logs.Log(ctx, userID, req.Kind, model, req.Prompt); logErr != nil {
			s.log.Error("failed to log generation", "user_id", userID, "err", logErr)
		}
	}
	return result, nil
}

func (s *GenerationService) generateVideo(ctx context.Context, model string, req GenerateRequest) (string, error) {
	uri, err := s.backend.GenerateVideo(ctx, genai.VideoOptions{
		Model:       model,
		Prompt:      req.Prompt,
		AspectRatio: req.AspectRatio,
		Resolution:  req.Resolution,
		SampleCount: req.SampleCount,
	})
	if err != nil {
		return "", err
	}

	if s.cfg.VideoDelivery == config.VideoDeliveryDirect || s.media == nil {
		// Compatibility path: the key rides along in the query string, so the
		// returned URL is shareable together with the credential.
		return s.backend.KeyedURI(uri), nil
	}

	data, contentType, err := s.backend.Download(ctx, uri)
	if err != nil {
		return "", fmt.Errorf("fetch generated video: %w", err)
	}
	signed, err := s.media.UploadSigned(ctx, data, contentType)
	if err != nil {
		return "", fmt.Errorf("re-host generated video: %w", err)
	}
	return signed, nil
}

func defaultModel(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}
