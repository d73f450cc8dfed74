package config

import (
	"log"
	"sync"
	"time"

	"github.com/caarlos0/env/v6"
)

type Config struct {
	Environment string `env:"DRIP_ENV" envDefault:"development"` // production disables the queue inspection endpoint

	DataDir string `env:"DRIP_DATA_DIR" envDefault:"./data"` // opt-in token documents live here
	DbURI   string `env:"DRIP_DB_URI" envDefault:"./drip.sqlite"`

	CatalogPath string `env:"DRIP_CATALOG" envDefault:"./workshops.json"` // workshop lesson definitions

	PublicURL   string `env:"DRIP_PUBLIC_URL" envDefault:"http://localhost:8080"` // base for confirm links in opt-in emails
	RedirectURL string `env:"DRIP_REDIRECT_URL"`                                  // landing page the confirm endpoint redirects to, JSON response if empty

	SendHour int  `env:"DRIP_SEND_HOUR" envDefault:"8"`      // UTC hour of day lessons go out
	TestMode bool `env:"DRIP_TEST_MODE" envDefault:"false"` // compress the cadence to 2 minutes per offset day

	ProcessInterval time.Duration `env:"DRIP_PROCESS_INTERVAL" envDefault:"1m"`
	BatchLimit      int           `env:"DRIP_BATCH_LIMIT" envDefault:"200"` // max due items drained per pass
	DispatchTimeout time.Duration `env:"DRIP_DISPATCH_TIMEOUT" envDefault:"10s"`
	DispatchPerSec  float64       `env:"DRIP_DISPATCH_PER_SEC" envDefault:"2"` // provider rate limit

	ProviderBaseURL string `env:"DRIP_PROVIDER_BASE_URL" envDefault:"https://api.resend.com"`
	ProviderAPIKey  string `env:"DRIP_PROVIDER_API_KEY"`
	FromAddress     string `env:"DRIP_FROM_ADDRESS"`

	APIInterface    string `env:"DRIP_API_INTERFACE"`
	APIPort         int    `env:"DRIP_API_PORT" envDefault:"8080"`
	APIAutoTLS      bool   `env:"DRIP_API_AUTO_TLS" envDefault:"false"` // get a certificate for the public host through autocert
	APIAutoTLSHost  string `env:"DRIP_API_AUTO_TLS_HOST"`
	APIAutoTLSCache string `env:"DRIP_API_AUTO_TLS_CACHE" envDefault:"./autotls"`
}

// TokenTTL is how long an unconfirmed opt-in token stays valid.
const TokenTTL = 48 * time.Hour

var (
	once sync.Once
	cfg  Config
)

func Get() *Config {
	once.Do(func() {
		cfg = Config{}
		if err := env.Parse(&cfg); err != nil {
			log.Panic("Couldn't parse Config from env: ", err)
		}
	})
	return &cfg
}
