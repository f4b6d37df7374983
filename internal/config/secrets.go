package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Database
	out.Database = cfg.Database
	redact(&out.Database.DSN)
	redact(&out.Database.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// Vault
	out.Vault = cfg.Vault
	redact(&out.Vault.Passphrase)

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Feed.Symbols != nil {
		out.Feed.Symbols = make([]string, len(cfg.Feed.Symbols))
		copy(out.Feed.Symbols, cfg.Feed.Symbols)
	}
	if cfg.Execution.UserAllowlist != nil {
		out.Execution.UserAllowlist = make([]string, len(cfg.Execution.UserAllowlist))
		copy(out.Execution.UserAllowlist, cfg.Execution.UserAllowlist)
	}

	// Copy maps so mutations to the redacted copy do not affect the original.
	if cfg.Recommend.RootOverrides != nil {
		out.Recommend.RootOverrides = make(map[string]string, len(cfg.Recommend.RootOverrides))
		for k, v := range cfg.Recommend.RootOverrides {
			out.Recommend.RootOverrides[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
