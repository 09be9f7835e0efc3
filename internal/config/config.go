package config

import "time"

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer
	BaseURL     string `env:"BASE_URL"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"file:relay.db?_busy_timeout=5000"`

	Gateway  Gateway  `envPrefix:"GATEWAY_"`
	Relay    Relay
	Catalog  Catalog
	Admin    Admin
	Features Features
}

type Gateway struct {
	BaseApiURL          string        `env:"BASE_API_URL" envDefault:"https://api.mercadopago.com"`
	AccessToken         string        `env:"ACCESS_TOKEN"`
	Sandbox             bool          `env:"SANDBOX" envDefault:"false"`
	Timeout             time.Duration `env:"TIMEOUT" envDefault:"10s"`
	WebhookPath         string        `env:"WEBHOOK_PATH" envDefault:"/ipn"`
	StatementDescriptor string        `env:"STATEMENT_DESCRIPTOR"`
}

type Relay struct {
	DeliveryPolicy     string        `env:"DELIVERY_POLICY" envDefault:"ack"`
	RotationDelay      time.Duration `env:"ROTATION_DELAY" envDefault:"8s"`
	MintRetryAttempts  int           `env:"MINT_RETRY_ATTEMPTS" envDefault:"5"`
	MintRetryBaseDelay time.Duration `env:"MINT_RETRY_BASE_DELAY" envDefault:"500ms"`
	MintRetryMaxDelay  time.Duration `env:"MINT_RETRY_MAX_DELAY" envDefault:"30s"`
}

type Catalog struct {
	File     string `env:"CATALOG_FILE"`
	PriceMin int64  `env:"PRICE_MIN" envDefault:"100"`
	PriceMax int64  `env:"PRICE_MAX" envDefault:"65000"`
}

type Admin struct {
	APIKey string `env:"ADMIN_API_KEY"`
}

type Features struct {
	DebugEndpoint bool `env:"DEBUG_ENDPOINT" envDefault:"false"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host            string        `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port            string        `env:"HTTP_PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// NotificationURL is the webhook address sent with every preference. Empty when BASE_URL is unset.
func (c *Config) NotificationURL() string {
	if c.BaseURL == "" {
		return ""
	}
	return c.BaseURL + c.Gateway.WebhookPath
}
