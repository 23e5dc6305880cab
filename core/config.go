package core

import (
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Debug    bool
		TestMode bool
		Env      string // DEV (local; default), TEST, QA, PROD
		Build    string
		AppName  string

		SecretKey       string
		FrontendBaseURL string
		WorkDir         string

		DefaultFromEmail          mail.Address
		SendgridApiKey            string
		RollbarToken              string
		PasswordResetTimeoutDelta time.Duration

		Server   ServerConfig
		Database DatabaseConfig
		Calendar CalendarConfig
	}

	ServerConfig struct {
		Host            string
		Addr            string
		DebugHost       string
		ShutdownTimeout time.Duration

		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
	}

	DatabaseConfig struct {
		Engine        string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		Host          string
		Port          string
		DisableTLS    bool
	}

	// CalendarConfig configures the external calendar sync endpoint.
	// Timeout bounds every sync call; expired calls are treated as failures.
	CalendarConfig struct {
		BaseURL string
		Token   string
		Timeout time.Duration
	}
)

func (c DatabaseConfig) Address() string {
	return c.Host + ":" + c.Port
}

func NewConfig() *Config {
	conf := viper.New()
	conf.SetTypeByDefaultValue(true)

	// defaults
	conf.SetDefault("debug", true)
	conf.SetDefault("build", "dev")
	conf.SetDefault("appName", "TutorHub")
	conf.SetDefault("secretKey", "v#y0q3&9wrr_zazgm(a4bq-68fe2+ndj7s)u05!sy^x%e8&h$k")
	conf.SetDefault("frontendBaseURL", "http://localhost:3000")
	conf.SetDefault("defaultFromEmail", "noreply@localhost")
	conf.SetDefault("passwordResetTimeoutDelta", 3*24*time.Hour)

	conf.SetDefault("server.host", "localhost")
	conf.SetDefault("server.addr", ":8000")
	conf.SetDefault("server.debugHost", "localhost:9000")
	conf.SetDefault("server.shutdownTimeout", 5*time.Second)
	conf.SetDefault("server.jwtExpirationDelta", 7*24*time.Hour)
	conf.SetDefault("server.jwtRefreshExpirationDelta", 4*time.Hour)

	conf.SetDefault("database.engine", "postgres")
	conf.SetDefault("database.name", "tutorhub")
	conf.SetDefault("database.host", "localhost")
	conf.SetDefault("database.port", "5432")
	conf.SetDefault("database.disableTLS", true)

	conf.SetDefault("calendar.timeout", 10*time.Second)

	env := strings.ToUpper(os.Getenv("ENV"))
	if env == "" {
		env = "DEV"
	}
	conf.SetEnvPrefix(env)
	conf.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	wd := Getwd()

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	conf.AutomaticEnv()

	return &Config{
		Debug:    conf.GetBool("debug"),
		TestMode: env == "TEST",
		Env:      env,
		Build:    conf.GetString("build"),
		AppName:  conf.GetString("appName"),

		SecretKey:       conf.GetString("secretKey"),
		FrontendBaseURL: conf.GetString("frontendBaseURL"),
		WorkDir:         wd,

		DefaultFromEmail: mail.Address{
			Name:    conf.GetString("appName"),
			Address: conf.GetString("defaultFromEmail"),
		},
		SendgridApiKey:            conf.GetString("sendgridApiKey"),
		RollbarToken:              conf.GetString("rollbarToken"),
		PasswordResetTimeoutDelta: conf.GetDuration("passwordResetTimeoutDelta"),

		Server: ServerConfig{
			Host:                      conf.GetString("server.host"),
			Addr:                      conf.GetString("server.addr"),
			DebugHost:                 conf.GetString("server.debugHost"),
			ShutdownTimeout:           conf.GetDuration("server.shutdownTimeout"),
			JWTExpirationDelta:        conf.GetDuration("server.jwtExpirationDelta"),
			JWTRefreshExpirationDelta: conf.GetDuration("server.jwtRefreshExpirationDelta"),
		},
		Database: DatabaseConfig{
			Engine:        conf.GetString("database.engine"),
			Name:          conf.GetString("database.name"),
			User:          conf.GetString("database.user"),
			Password:      conf.GetString("database.password"),
			AdminUser:     conf.GetString("database.adminUser"),
			AdminPassword: conf.GetString("database.adminPassword"),
			Host:          conf.GetString("database.host"),
			Port:          conf.GetString("database.port"),
			DisableTLS:    conf.GetBool("database.disableTLS"),
		},
		Calendar: CalendarConfig{
			BaseURL: conf.GetString("calendar.baseURL"),
			Token:   conf.GetString("calendar.token"),
			Timeout: conf.GetDuration("calendar.timeout"),
		},
	}
}
