package core

import (
	"fmt"
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Host                 string
		Addr                 string
		DebugHost            string
		ShutdownTimeout      time.Duration
		SessionCookieName    string
		SessionExpiry        time.Duration // on inactivity
		SessionSweepInterval time.Duration
		SessionTimeout       time.Duration
		SessionBackend       string // sql | redis | memory
		CookieSecure         bool
	}

	DatabaseConfig struct {
		Engine        string // postgres | sqlite
		Host          string
		Port          int
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	RedisConfig struct {
		Addr      string
		Password  string
		DB        int
		KeyPrefix string
	}

	BlobConfig struct {
		Driver        string // s3 | memory
		Bucket        string
		Region        string
		Endpoint      string
		AccessKey     string
		SecretKey     string
		PathStyle     bool
		PresignExpiry time.Duration
	}

	AuthConfig struct {
		WordLenMin   int
		WordLenMax   int // exclusive
		NumberMin    int
		NumberMax    int // exclusive
		BcryptCost   int
		HashWorkers  int
		AdminEmail   string
		AdminDefault string // initial password for the bootstrap admin
	}

	Config struct {
		Env              string
		Build            string
		Debug            bool
		TestMode         bool
		AppName          string
		SecretKey        string
		FrontendBaseURL  string
		RollbarToken     string
		SendgridApiKey   string
		HubBuffer        int
		defaultFromEmail string

		Server   ServerConfig
		Database DatabaseConfig
		Redis    RedisConfig
		Blob     BlobConfig
		Auth     AuthConfig
	}
)

func (c DatabaseConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) DefaultFromEmail() mail.Address {
	addr, err := mail.ParseAddress(c.defaultFromEmail)
	if err != nil {
		return mail.Address{Name: c.AppName, Address: "noreply@localhost"}
	}
	if addr.Name == "" {
		addr.Name = c.AppName
	}
	return *addr
}

// NewConfig loads the configuration from defaults, `config/.env.<env>` and the environment.
// Environment variables are prefixed by the uppercased env name, e.g. `DEV_DATABASE_HOST`.
func NewConfig() *Config {
	v := viper.New()
	setDefaults(v)

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	if env == "" {
		env = "DEV"
	}
	if env == "TEST" {
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join("config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	return configFrom(v, env)
}

func setDefaults(v *viper.Viper) {
	v.SetTypeByDefaultValue(true)
	v.SetDefault("debug", true)
	v.SetDefault("build", "develop")
	v.SetDefault("appName", "Denim")
	v.SetDefault("secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("defaultFromEmail", "Denim <noreply@localhost>")
	v.SetDefault("frontendBaseURL", "http://localhost:8080")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("hubBuffer", 16)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.debugHost", "127.0.0.1:4000")
	v.SetDefault("server.shutdownTimeout", 5*time.Second)
	v.SetDefault("server.sessionCookieName", "denim_session")
	v.SetDefault("server.sessionExpiry", 5*24*time.Hour)
	v.SetDefault("server.sessionSweepInterval", time.Hour)
	v.SetDefault("server.sessionTimeout", 5*time.Second)
	v.SetDefault("server.sessionBackend", "sql")
	v.SetDefault("server.cookieSecure", false)

	v.SetDefault("database.engine", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "denim")
	v.SetDefault("database.user", "denim")
	v.SetDefault("database.password", "denim")
	v.SetDefault("database.adminUser", "postgres")
	v.SetDefault("database.adminPassword", "postgres")
	v.SetDefault("database.disableTLS", true)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.keyPrefix", "denim:session:")

	v.SetDefault("blob.driver", "memory")
	v.SetDefault("blob.bucket", "denim")
	v.SetDefault("blob.region", "us-east-1")
	v.SetDefault("blob.endpoint", "")
	v.SetDefault("blob.accessKey", "")
	v.SetDefault("blob.secretKey", "")
	v.SetDefault("blob.pathStyle", false)
	v.SetDefault("blob.presignExpiry", 48*time.Hour)

	v.SetDefault("auth.wordLenMin", 5)
	v.SetDefault("auth.wordLenMax", 9)
	v.SetDefault("auth.numberMin", 1000)
	v.SetDefault("auth.numberMax", 10000)
	v.SetDefault("auth.bcryptCost", 10)
	v.SetDefault("auth.hashWorkers", runtime.NumCPU())
	v.SetDefault("auth.adminEmail", "admin@localhost")
	v.SetDefault("auth.adminDefault", "")
}

func configFrom(v *viper.Viper, env string) *Config {
	return &Config{
		Env:              env,
		Build:            v.GetString("build"),
		Debug:            v.GetBool("debug"),
		TestMode:         v.GetBool("testMode"),
		AppName:          v.GetString("appName"),
		SecretKey:        v.GetString("secretKey"),
		FrontendBaseURL:  v.GetString("frontendBaseURL"),
		RollbarToken:     v.GetString("rollbarToken"),
		SendgridApiKey:   v.GetString("sendgridApiKey"),
		HubBuffer:        v.GetInt("hubBuffer"),
		defaultFromEmail: v.GetString("defaultFromEmail"),
		Server: ServerConfig{
			Host:                 v.GetString("server.host"),
			Addr:                 v.GetString("server.addr"),
			DebugHost:            v.GetString("server.debugHost"),
			ShutdownTimeout:      v.GetDuration("server.shutdownTimeout"),
			SessionCookieName:    v.GetString("server.sessionCookieName"),
			SessionExpiry:        v.GetDuration("server.sessionExpiry"),
			SessionSweepInterval: v.GetDuration("server.sessionSweepInterval"),
			SessionTimeout:       v.GetDuration("server.sessionTimeout"),
			SessionBackend:       v.GetString("server.sessionBackend"),
			CookieSecure:         v.GetBool("server.cookieSecure"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("database.engine"),
			Host:          v.GetString("database.host"),
			Port:          v.GetInt("database.port"),
			Name:          v.GetString("database.name"),
			User:          v.GetString("database.user"),
			Password:      v.GetString("database.password"),
			AdminUser:     v.GetString("database.adminUser"),
			AdminPassword: v.GetString("database.adminPassword"),
			DisableTLS:    v.GetBool("database.disableTLS"),
		},
		Redis: RedisConfig{
			Addr:      v.GetString("redis.addr"),
			Password:  v.GetString("redis.password"),
			DB:        v.GetInt("redis.db"),
			KeyPrefix: v.GetString("redis.keyPrefix"),
		},
		Blob: BlobConfig{
			Driver:        v.GetString("blob.driver"),
			Bucket:        v.GetString("blob.bucket"),
			Region:        v.GetString("blob.region"),
			Endpoint:      v.GetString("blob.endpoint"),
			AccessKey:     v.GetString("blob.accessKey"),
			SecretKey:     v.GetString("blob.secretKey"),
			PathStyle:     v.GetBool("blob.pathStyle"),
			PresignExpiry: v.GetDuration("blob.presignExpiry"),
		},
		Auth: AuthConfig{
			WordLenMin:   v.GetInt("auth.wordLenMin"),
			WordLenMax:   v.GetInt("auth.wordLenMax"),
			NumberMin:    v.GetInt("auth.numberMin"),
			NumberMax:    v.GetInt("auth.numberMax"),
			BcryptCost:   v.GetInt("auth.bcryptCost"),
			HashWorkers:  v.GetInt("auth.hashWorkers"),
			AdminEmail:   v.GetString("auth.adminEmail"),
			AdminDefault: v.GetString("auth.adminDefault"),
		},
	}
}

// NewTestConfig returns the defaults with test mode on. Nothing is read from the environment.
func NewTestConfig() *Config {
	v := viper.New()
	setDefaults(v)
	v.Set("testMode", true)
	v.Set("debug", false)
	v.Set("database.engine", "sqlite")
	v.Set("auth.bcryptCost", 4)
	return configFrom(v, "TEST")
}

func (c *Config) String() string {
	return fmt.Sprintf("%s[%s] env=%s", c.AppName, c.Build, c.Env)
}
