package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

// Prefix is prepended to every variable name.
const Prefix = "RATATOSKR_"

// Config represents the configuration shared by the exchange and broker
// processes. Each process reads the groups it needs.
type Config struct {
	Log       LogConfig       `envPrefix:"LOG_"`
	Exchange  ExchangeConfig  `envPrefix:"EXCHANGE_"`
	Multicast MulticastConfig `envPrefix:"MULTICAST_"`
	Broker    BrokerConfig    `envPrefix:"BROKER_"`
	Sim       SimConfig       `envPrefix:"SIM_"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Pretty bool   `env:"PRETTY" envDefault:"true"`
}

// ExchangeConfig is where the exchange takes commands.
type ExchangeConfig struct {
	Host        string        `env:"HOST" envDefault:"127.0.0.1"`
	Port        int           `env:"PORT" envDefault:"9001"`
	Workers     uint          `env:"WORKERS" envDefault:"10"`
	ConnTimeout time.Duration `env:"CONN_TIMEOUT" envDefault:"1s"`
	// Send the end frame on shutdown, stopping every broker's receiver.
	EndOnClose bool `env:"END_ON_CLOSE" envDefault:"false"`
}

func (c ExchangeConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// MulticastConfig is the event group.
type MulticastConfig struct {
	Group     string `env:"GROUP" envDefault:"239.255.0.42"`
	Port      int    `env:"PORT" envDefault:"9002"`
	TTL       int    `env:"TTL" envDefault:"1"`
	Loopback  bool   `env:"LOOPBACK" envDefault:"true"`
	Interface string `env:"INTERFACE"`
}

type BrokerConfig struct {
	Name              string        `env:"NAME" envDefault:"ratatoskr"`
	DataDir           string        `env:"DATA_DIR" envDefault:"data/broker"`
	ExecutionTimeout  time.Duration `env:"EXECUTION_TIMEOUT" envDefault:"5s"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`
	BcryptCost        int           `env:"BCRYPT_COST" envDefault:"10"`
}

// SimConfig drives the simulated exchange. Prices are in cents.
type SimConfig struct {
	Listings     map[string]int `env:"LISTINGS" envSeparator:"," envKeyValSeparator:"=" envDefault:"BA=8750,F=1220,HP=3120,IBM=14510,T=3515"`
	TickInterval time.Duration  `env:"TICK_INTERVAL" envDefault:"1s"`
	MaxStep      int            `env:"MAX_STEP" envDefault:"25"`
	// Time spent open and then closed. Zero opens once and stays open.
	Cycle time.Duration `env:"CYCLE" envDefault:"0s"`
}

// Load loads the configuration from the environment, reading a .env file
// first if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFrom(nil)
}

// LoadFrom parses environ instead of the process environment. A nil map
// means the process environment.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{Prefix: Prefix, Environment: environ}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if !validPort(c.Exchange.Port) {
		errs = append(errs, fmt.Errorf("exchange port %d out of range", c.Exchange.Port))
	}
	if !validPort(c.Multicast.Port) {
		errs = append(errs, fmt.Errorf("multicast port %d out of range", c.Multicast.Port))
	}
	if ip := net.ParseIP(c.Multicast.Group); ip == nil || !ip.IsMulticast() {
		errs = append(errs, fmt.Errorf("multicast group %q is not a multicast address", c.Multicast.Group))
	}
	if c.Multicast.TTL < 0 || c.Multicast.TTL > 255 {
		errs = append(errs, fmt.Errorf("multicast ttl %d out of range", c.Multicast.TTL))
	}
	if c.Broker.BcryptCost < bcrypt.MinCost || c.Broker.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("bcrypt cost %d out of range [%d, %d]", c.Broker.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost))
	}
	for ticker, price := range c.Sim.Listings {
		if price < 0 {
			errs = append(errs, fmt.Errorf("listing %s has negative price %d", ticker, price))
		}
	}
	return errors.Join(errs...)
}

func validPort(port int) bool { return port > 0 && port < 1<<16 }
