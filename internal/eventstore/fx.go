package eventstore

import (
	"github.com/rowglow/rowledger/internal/eventstore/service"
	"go.uber.org/fx"
)

var Module = fx.Module("eventstore.service",
	fx.Provide(service.NewService),
)
