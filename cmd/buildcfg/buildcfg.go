package buildcfg

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/config"
	"github.com/wb-go/wbf/dbpg"
)

type ServerConfig struct {
	Port          string
	AuthSecret    string
	AdminRoleUUID string
}

type RabbitConfig struct {
	URL      string
	Exchange string
}

type SMTPConfig struct {
	Host string
	Port string
	From string
	Pass string
}

type ProviderConfig struct {
	APIURL     string
	APIKey     string
	PrivateKey string
	ReturnURL  string
	NotifyURL  string
}

type ContentConfig struct {
	BaseURL   string
	Token     string
	RedisAddr string
	CacheTTL  time.Duration
}

type RegistrationConfig struct {
	HoldWindow      time.Duration
	DefaultRoleUUID string
	ConfirmationURL string
}

func BuildServerConfig(cfg *config.Config, log *zerolog.Logger) ServerConfig {
	s := ServerConfig{
		Port:          cfg.GetString("server.port"),
		AuthSecret:    cfg.GetString("auth.jwt_secret"),
		AdminRoleUUID: cfg.GetString("auth.admin_role_uuid"),
	}
	if s.Port == "" {
		s.Port = "8080"
	}
	if s.AuthSecret == "" {
		log.Fatal().Msg("auth.jwt_secret is required")
	}
	return s
}

func BuildDBConfig(cfg *config.Config, log *zerolog.Logger) (string, []string, *dbpg.Options, error) {
	masterDSN := cfg.GetString("database.master_dsn")
	if masterDSN == "" {
		return "", nil, nil, fmt.Errorf("database.master_dsn is required")
	}
	slaveDSNs := cfg.GetStringSlice("database.slave_dsns")

	opts := &dbpg.Options{
		MaxOpenConns:    cfg.GetInt("database.max_open_conns"),
		MaxIdleConns:    cfg.GetInt("database.max_idle_conns"),
		ConnMaxLifetime: cfg.GetDuration("database.conn_max_lifetime"),
	}
	if opts.MaxOpenConns == 0 {
		opts.MaxOpenConns = 10
	}
	if opts.MaxIdleConns == 0 {
		opts.MaxIdleConns = 5
	}
	log.Info().Int("slaves", len(slaveDSNs)).Msg("database config built")
	return masterDSN, slaveDSNs, opts, nil
}

func BuildRabbitConfig(cfg *config.Config, log *zerolog.Logger) (RabbitConfig, error) {
	r := RabbitConfig{
		URL:      cfg.GetString("rabbit.url"),
		Exchange: cfg.GetString("rabbit.exchange"),
	}
	if r.URL == "" {
		return r, fmt.Errorf("rabbit.url is required")
	}
	if r.Exchange == "" {
		r.Exchange = "pickup-updates"
	}
	log.Info().Str("exchange", r.Exchange).Msg("rabbit config built")
	return r, nil
}

func BuildSMTPConfig(cfg *config.Config) SMTPConfig {
	s := SMTPConfig{
		Host: cfg.GetString("smtp.host"),
		Port: cfg.GetString("smtp.port"),
		From: cfg.GetString("smtp.from"),
		Pass: cfg.GetString("smtp.password"),
	}
	if s.Port == "" {
		s.Port = "587"
	}
	return s
}

func BuildProviderConfig(cfg *config.Config, log *zerolog.Logger) (ProviderConfig, error) {
	p := ProviderConfig{
		APIURL:     cfg.GetString("payment.api_url"),
		APIKey:     cfg.GetString("payment.api_key"),
		PrivateKey: cfg.GetString("payment.private_key"),
		ReturnURL:  cfg.GetString("payment.return_url"),
		NotifyURL:  cfg.GetString("payment.notify_url"),
	}
	if p.APIURL == "" || p.APIKey == "" || p.PrivateKey == "" {
		return p, fmt.Errorf("payment.api_url, payment.api_key and payment.private_key are required")
	}
	if p.NotifyURL == "" {
		p.NotifyURL = p.ReturnURL
	}
	log.Info().Str("api_url", p.APIURL).Msg("payment provider config built")
	return p, nil
}

func BuildContentConfig(cfg *config.Config) ContentConfig {
	c := ContentConfig{
		BaseURL:   cfg.GetString("content.base_url"),
		Token:     cfg.GetString("content.token"),
		RedisAddr: cfg.GetString("content.redis_addr"),
		CacheTTL:  cfg.GetDuration("content.cache_ttl"),
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 10 * time.Minute
	}
	return c
}

func BuildRegistrationConfig(cfg *config.Config) RegistrationConfig {
	r := RegistrationConfig{
		HoldWindow:      cfg.GetDuration("registration.hold_window"),
		DefaultRoleUUID: cfg.GetString("registration.default_role_uuid"),
		ConfirmationURL: cfg.GetString("registration.confirmation_url"),
	}
	if r.HoldWindow == 0 {
		r.HoldWindow = 30 * time.Minute
	}
	return r
}
