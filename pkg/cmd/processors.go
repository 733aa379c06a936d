// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"
	"time"

	"github.com/dukex/flowrunner/pkg/cache"
	"github.com/dukex/flowrunner/pkg/httpaction"
	"github.com/dukex/flowrunner/pkg/persistence"
	"github.com/dukex/flowrunner/pkg/processors"
	"github.com/dukex/flowrunner/pkg/queue"
	"github.com/dukex/flowrunner/pkg/rules"
)

// NewLocation loads the timezone used for delay "until" times and cron triggers.
func NewLocation(name string) *time.Location {
	location, err := time.LoadLocation(name)
	if err != nil {
		panic("Unsupported timezone: " + name)
	}

	return location
}

// NewProcessorRegistry registers the native node processors.
func NewProcessorRegistry(
	p persistence.Persistence,
	configCache cache.NodeConfigCache,
	client queue.Client,
	invoker httpaction.Invoker,
	location *time.Location,
	logger *slog.Logger,
) *processors.Registry {
	return processors.NewRegistry(
		processors.NewActionProcessor(p, configCache, invoker, logger),
		processors.NewConditionProcessor(p.GraphRepository(), configCache, rules.NewEvaluator(logger), logger),
		processors.NewDelayProcessor(p, configCache, client, location, logger),
	)
}
