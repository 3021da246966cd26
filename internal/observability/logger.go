package observability

import (
	"github.com/danmuck/m1n1ctl/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger derives an app-tagged logger from the process logger and makes
// it the zerolog global so library code logging through zerolog/log agrees.
func InitLogger(app string) zerolog.Logger {
	logger := logging.Logger().With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
