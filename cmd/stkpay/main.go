package main

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/stkpay/internal/cache"
	"github.com/smallbiznis/stkpay/internal/clock"
	"github.com/smallbiznis/stkpay/internal/config"
	"github.com/smallbiznis/stkpay/internal/migration"
	"github.com/smallbiznis/stkpay/internal/mpesa"
	"github.com/smallbiznis/stkpay/internal/observability"
	"github.com/smallbiznis/stkpay/internal/ratelimit"
	"github.com/smallbiznis/stkpay/internal/scheduler"
	"github.com/smallbiznis/stkpay/internal/server"
	"github.com/smallbiznis/stkpay/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		clock.Module,
		db.Module,
		migration.Module,
		ratelimit.Module,
		cache.Module,

		// Payments
		mpesa.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.NodeID, err)
	}
	return node, nil
}
