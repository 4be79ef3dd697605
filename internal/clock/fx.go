package clock

import "go.uber.org/fx"

var Module = fx.Provide(System)
