package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TERMTRADER_"

// Feed modes.
const (
	FeedWebSocket = "ws"
	FeedNATS      = "nats"
	FeedNone      = "none"
)

// Trading modes.
const (
	TradingREST  = "rest"
	TradingPaper = "paper"
)

type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Dispatcher struct {
		QueueCapacity  int           `yaml:"queue_capacity"`
		CommandTimeout time.Duration `yaml:"command_timeout"`
	} `yaml:"dispatcher"`

	Feed struct {
		Mode           string        `yaml:"mode"`
		WSURL          string        `yaml:"ws_url"`
		NATSURL        string        `yaml:"nats_url"`
		NATSSubject    string        `yaml:"nats_subject"`
		RestURL        string        `yaml:"rest_url"`
		ResyncInterval time.Duration `yaml:"resync_interval"`
		Instruments    []string      `yaml:"instruments"`
	} `yaml:"feed"`

	Trading struct {
		Mode         string          `yaml:"mode"`
		BaseURL      string          `yaml:"base_url"`
		Timeout      time.Duration   `yaml:"timeout"`
		StartingCash decimal.Decimal `yaml:"starting_cash"`
	} `yaml:"trading"`

	QuickBuy struct {
		AmountPercent decimal.Decimal `yaml:"amount_percent"`
		AutoSell      bool            `yaml:"auto_sell"`
		AutoSellAfter time.Duration   `yaml:"auto_sell_time"`
	} `yaml:"quickbuy"`

	Session struct {
		YesToken string `yaml:"yes_token"`
		NoToken  string `yaml:"no_token"`
	} `yaml:"session"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Database struct {
		URL     string `yaml:"url"`
		Journal bool   `yaml:"journal"`
	} `yaml:"database"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	State struct {
		Dir string `yaml:"dir"`
	} `yaml:"state"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Default returns a config that runs without any external service: paper
// trading, no feed, no journal, no broadcast.
func Default() *Config {
	var c Config
	c.App.Name = "termtrader"
	c.App.Version = "dev"
	c.Dispatcher.QueueCapacity = 1024
	c.Dispatcher.CommandTimeout = 10 * time.Second
	c.Feed.Mode = FeedNone
	c.Feed.WSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"
	c.Feed.NATSSubject = "books"
	c.Feed.ResyncInterval = 30 * time.Second
	c.Trading.Mode = TradingPaper
	c.Trading.BaseURL = "http://127.0.0.1:5000"
	c.Trading.Timeout = 10 * time.Second
	c.Trading.StartingCash = decimal.NewFromInt(1000)
	c.QuickBuy.AmountPercent = decimal.NewFromInt(10)
	c.QuickBuy.AutoSellAfter = 30 * time.Second
	c.HTTP.Addr = ":8080"
	c.Kafka.Topic = "termtrader.responses"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	return &c
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := overrideWithEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Feed.Mode {
	case FeedWebSocket:
		if !strings.HasPrefix(c.Feed.WSURL, "ws://") && !strings.HasPrefix(c.Feed.WSURL, "wss://") {
			errs = append(errs, fmt.Errorf("invalid feed ws_url: %q", c.Feed.WSURL))
		}
	case FeedNATS:
		if c.Feed.NATSSubject == "" {
			errs = append(errs, errors.New("feed nats_subject is required"))
		}
	case FeedNone:
	default:
		errs = append(errs, fmt.Errorf("unknown feed mode %q", c.Feed.Mode))
	}
	if c.Feed.ResyncInterval < 0 {
		errs = append(errs, errors.New("feed resync_interval must not be negative"))
	}

	switch c.Trading.Mode {
	case TradingREST:
		if c.Trading.BaseURL == "" {
			errs = append(errs, errors.New("trading base_url is required in rest mode"))
		}
	case TradingPaper:
		if c.Trading.StartingCash.IsNegative() {
			errs = append(errs, errors.New("trading starting_cash must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown trading mode %q", c.Trading.Mode))
	}

	if !c.QuickBuy.AmountPercent.IsPositive() || c.QuickBuy.AmountPercent.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, errors.New("quickbuy amount_percent must be between 0 and 100"))
	}
	if c.QuickBuy.AutoSellAfter < 0 {
		errs = append(errs, errors.New("quickbuy auto_sell_time must not be negative"))
	}

	if c.Dispatcher.QueueCapacity < -1 {
		errs = append(errs, errors.New("dispatcher queue_capacity must be -1, 0 or positive"))
	}
	if c.Dispatcher.CommandTimeout < 0 {
		errs = append(errs, errors.New("dispatcher command_timeout must not be negative"))
	}
	if c.Database.Journal && c.Database.URL == "" {
		errs = append(errs, errors.New("database url is required when the journal is enabled"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown logging format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func overrideWithEnv(c *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(envPrefix + key); ok {
			*dst = splitList(v)
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	if v, ok := lookup("DATABASE_URL"); ok && c.Database.URL == "" {
		c.Database.URL = v
	}

	str("FEED_MODE", &c.Feed.Mode)
	str("FEED_WS_URL", &c.Feed.WSURL)
	str("FEED_NATS_URL", &c.Feed.NATSURL)
	str("FEED_NATS_SUBJECT", &c.Feed.NATSSubject)
	str("FEED_REST_URL", &c.Feed.RestURL)
	dur("FEED_RESYNC_INTERVAL", &c.Feed.ResyncInterval)
	list("FEED_INSTRUMENTS", &c.Feed.Instruments)
	str("TRADING_MODE", &c.Trading.Mode)
	str("TRADING_BASE_URL", &c.Trading.BaseURL)
	dur("TRADING_TIMEOUT", &c.Trading.Timeout)
	str("YES_TOKEN", &c.Session.YesToken)
	str("NO_TOKEN", &c.Session.NoToken)
	str("HTTP_ADDR", &c.HTTP.Addr)
	str("DATABASE_URL", &c.Database.URL)
	list("KAFKA_BROKERS", &c.Kafka.Brokers)
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("STATE_DIR", &c.State.Dir)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	dur("COMMAND_TIMEOUT", &c.Dispatcher.CommandTimeout)
	dur("QUICKBUY_AUTO_SELL_TIME", &c.QuickBuy.AutoSellAfter)

	if v, ok := lookup(envPrefix + "QUEUE_CAPACITY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sQUEUE_CAPACITY: %w", envPrefix, err))
		} else {
			c.Dispatcher.QueueCapacity = n
		}
	}
	if v, ok := lookup(envPrefix + "JOURNAL"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sJOURNAL: %w", envPrefix, err))
		} else {
			c.Database.Journal = b
		}
	}
	if v, ok := lookup(envPrefix + "QUICKBUY_AUTO_SELL"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sQUICKBUY_AUTO_SELL: %w", envPrefix, err))
		} else {
			c.QuickBuy.AutoSell = b
		}
	}
	if v, ok := lookup(envPrefix + "STARTING_CASH"); ok {
		d, err := decimal.NewFromString(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSTARTING_CASH: %w", envPrefix, err))
		} else {
			c.Trading.StartingCash = d
		}
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
