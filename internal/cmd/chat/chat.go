// Package chat parses chat command flags and composes transport entrypoints.
package chat

import (
	"context"
	"flag"
	"fmt"
	"time"

	entrypoint "github.com/voyagedesk/voyagedesk/internal/platform/cmd"
	server "github.com/voyagedesk/voyagedesk/internal/services/chat/app"
	"github.com/voyagedesk/voyagedesk/internal/services/chat/token"
)

// Config holds chat command configuration.
type Config struct {
	HTTPAddr           string        `env:"VOYAGEDESK_CHAT_HTTP_ADDR"        envDefault:":8086"`
	AuthBaseURL        string        `env:"VOYAGEDESK_AUTH_BASE_URL"         envDefault:"http://localhost:8084"`
	AuthResourceSecret string        `env:"VOYAGEDESK_AUTH_RESOURCE_SECRET"`
	CoreBaseURL        string        `env:"VOYAGEDESK_CORE_BASE_URL"         envDefault:"http://localhost:8080"`
	StoragePath        string        `env:"VOYAGEDESK_CHAT_STORAGE_PATH"     envDefault:"chat.db"`
	AMQPURL            string        `env:"VOYAGEDESK_AMQP_URL"`
	AMQPExchange       string        `env:"VOYAGEDESK_AMQP_EXCHANGE"         envDefault:"voyagedesk.notifications"`
	TypingTTL          time.Duration `env:"VOYAGEDESK_CHAT_TYPING_TTL"       envDefault:"2s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.AuthBaseURL, "auth-base-url", cfg.AuthBaseURL, "auth service base URL")
	fs.StringVar(&cfg.AuthResourceSecret, "auth-resource-secret", cfg.AuthResourceSecret, "auth introspection resource secret")
	fs.StringVar(&cfg.CoreBaseURL, "core-base-url", cfg.CoreBaseURL, "core service base URL for share grants")
	fs.StringVar(&cfg.StoragePath, "storage-path", cfg.StoragePath, "chat SQLite database path")
	fs.StringVar(&cfg.AMQPURL, "amqp-url", cfg.AMQPURL, "AMQP broker URL for offline notifications")
	fs.StringVar(&cfg.AMQPExchange, "amqp-exchange", cfg.AMQPExchange, "AMQP exchange for offline notifications")
	fs.DurationVar(&cfg.TypingTTL, "typing-ttl", cfg.TypingTTL, "typing indicator expiry")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the chat app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, func(context.Context) error {
		tokenCfg, err := token.LoadConfigFromEnv(nil)
		if err != nil {
			return fmt.Errorf("load chat token config: %w", err)
		}
		return server.Run(ctx, server.Config{
			HTTPAddr:           cfg.HTTPAddr,
			AuthBaseURL:        cfg.AuthBaseURL,
			AuthResourceSecret: cfg.AuthResourceSecret,
			CoreBaseURL:        cfg.CoreBaseURL,
			StoragePath:        cfg.StoragePath,
			AMQPURL:            cfg.AMQPURL,
			AMQPExchange:       cfg.AMQPExchange,
			TokenConfig:        tokenCfg,
			TypingTTL:          cfg.TypingTTL,
		})
	})
}
