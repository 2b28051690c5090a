package config

import "maps"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Slices and maps are copied so the redacted value can be mutated freely.
	out.Tokens = append([]TokenConfig(nil), cfg.Tokens...)
	out.Venues = append([]VenueConfig(nil), cfg.Venues...)
	out.Pools = append([]PoolConfig(nil), cfg.Pools...)
	out.Scanner.Pairs = append([]ScanPair(nil), cfg.Scanner.Pairs...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Lending.Liquidity = maps.Clone(cfg.Lending.Liquidity)
	out.Executor.MaxBorrow = maps.Clone(cfg.Executor.MaxBorrow)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
