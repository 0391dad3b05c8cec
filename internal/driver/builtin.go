package driver

import (
	"context"
	"fmt"
	"log/slog"

	"ex-hibiki/internal/driver/gateway"
)

// NewBuiltinRegistry constructs the runtime registry with all built-in drivers.
func NewBuiltinRegistry() (*Registry, error) {
	return NewRegistry([]Descriptor{
		{
			Type:        gateway.TypeWebsocket,
			Description: "live gateway websocket with REST transport",
			Builder: func(
				_ context.Context,
				definition Definition,
				builderLogger *slog.Logger,
			) (Runtime, error) {
				source, transport, err := gateway.BuildWebsocketRuntime(
					definition.Name,
					builderLogger,
					definition.Config,
				)
				if err != nil {
					return Runtime{}, fmt.Errorf("build websocket runtime from config: %w", err)
				}

				return Runtime{Name: definition.Name, Source: source, Transport: transport}, nil
			},
		},
		{
			Type:        gateway.TypeReplay,
			Description: "JSON-lines capture replay",
			Builder: func(
				_ context.Context,
				definition Definition,
				builderLogger *slog.Logger,
			) (Runtime, error) {
				source, transport, err := gateway.BuildReplayRuntime(
					definition.Name,
					builderLogger,
					definition.Config,
				)
				if err != nil {
					return Runtime{}, fmt.Errorf("build replay runtime from config: %w", err)
				}

				return Runtime{Name: definition.Name, Source: source, Transport: transport}, nil
			},
		},
	})
}
