package config

import (
	"strings"

	"github.com/caarlos0/env/v11"
)

// loadFromEnv overlays every field carrying an env tag with its variable, when set.
func loadFromEnv(cfg *Config) error {
	return loadFromMap(cfg, nil)
}

// loadFromMap reads from environ instead of the process environment when it is non-nil.
func loadFromMap(cfg *Config, environ map[string]string) error {
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return err
	}
	trimLists(cfg)
	return nil
}

// trimLists drops the whitespace operators tend to leave around comma separated entries.
func trimLists(cfg *Config) {
	for _, list := range []*[]string{
		&cfg.Security.APIKeys,
		&cfg.Security.AdminKeys,
		&cfg.Integrations.WebhookURLs,
		&cfg.Integrations.WebhookTypes,
	} {
		out := (*list)[:0]
		for _, v := range *list {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		*list = out
	}
	if cfg.Logging.Attributes == nil {
		return
	}
	attrs := make(map[string]string, len(cfg.Logging.Attributes))
	for k, v := range cfg.Logging.Attributes {
		if k = strings.TrimSpace(k); k != "" {
			attrs[k] = strings.TrimSpace(v)
		}
	}
	cfg.Logging.Attributes = attrs
}
