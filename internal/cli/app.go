package cli

import (
	"context"

	"github.com/mnemo-oss/mnemo/internal/app"
	"github.com/mnemo-oss/mnemo/internal/config"
	mnemoerr "github.com/mnemo-oss/mnemo/internal/errors"
)

// loadConfig reads the config file and applies flag and environment
// overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.LoadFile(cfgFile)
	} else {
		cfg, err = config.Load(".")
	}
	if err != nil {
		return nil, mnemoerr.Wrap(mnemoerr.CodeConfigInvalid, "failed to load config", err)
	}
	applyFlagOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, mnemoerr.Wrap(mnemoerr.CodeConfigInvalid, "invalid config", err).
			WithSuggestion("Run 'mnemo config validate' for details")
	}
	return cfg, nil
}

func buildApp(ctx context.Context, cfg *config.Config, opts app.Options) (*app.App, error) {
	opts.Verbose = verbose
	opts.Version = Version
	return app.Build(ctx, cfg, opts)
}
