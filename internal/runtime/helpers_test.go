package runtime

import (
	"log/slog"

	"github.com/galadd/labwarden/internal/logging"
)

func discardLogger() *slog.Logger {
	return logging.Discard()
}
