package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/pipeserv/internal/logger"
	"github.com/marmos91/pipeserv/pkg/handler"
	"github.com/marmos91/pipeserv/pkg/pipeline"
)

// CreateHandler creates the connection handler selected by configuration.
//
// The Type field picks the implementation; the options map of the same name
// is decoded into that handler's config struct and passed to its
// constructor.
//
// Supported types:
//   - "echo": pkg/handler.Echo
//   - "static": pkg/handler.Static (HTTP/1.x static files)
func CreateHandler(cfg *HandlerConfig) (pipeline.Handler, error) {
	switch cfg.Type {
	case "echo":
		return createEchoHandler(cfg.Echo)
	case "static":
		return createStaticHandler(cfg.Static)
	default:
		return nil, fmt.Errorf("unknown handler type: %q", cfg.Type)
	}
}

func createEchoHandler(options map[string]any) (pipeline.Handler, error) {
	var echoCfg handler.EchoConfig
	if err := decodeOptions(options, &echoCfg); err != nil {
		return nil, fmt.Errorf("failed to decode echo handler config: %w", err)
	}

	if echoCfg.Quit != "" {
		logger.Debug("Echo handler: line mode, quit=%q", echoCfg.Quit)
	}
	return handler.NewEcho(echoCfg), nil
}

func createStaticHandler(options map[string]any) (pipeline.Handler, error) {
	var staticCfg handler.StaticConfig
	if err := decodeOptions(options, &staticCfg); err != nil {
		return nil, fmt.Errorf("failed to decode static handler config: %w", err)
	}
	if err := validate.Struct(&staticCfg); err != nil {
		return nil, fmt.Errorf("static handler: %w", formatValidationError(err))
	}

	h, err := handler.NewStatic(staticCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create static handler: %w", err)
	}
	logger.Debug("Static handler: root=%s listing=%v", staticCfg.Root, staticCfg.DirectoryListing)
	return h, nil
}

// decodeOptions decodes a handler options map, rejecting unknown keys so a
// misspelled option fails at startup.
func decodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(options)
}
