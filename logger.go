package profileauthz

import "github.com/oarkflow/profileauthz/logger"

// Logger is re-exported so callers need not import the logger package.
type Logger = logger.Logger

// WithLogger installs a Logger on the Engine via EngineOption
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			l = logger.NewNullLogger()
		}
		e.logger = l
		return nil
	}
}
