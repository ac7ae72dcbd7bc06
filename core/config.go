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
		Env      string
		Build    string
		Debug    bool
		TestMode bool

		AppName          string
		SecretKey        []byte
		DefaultFromEmail mail.Address
		WorkDir          string

		Database struct {
			Path string
		}

		Server struct {
			Address            string
			DebugHost          string
			ShutdownTimeout    time.Duration
			JWTExpirationDelta time.Duration
		}

		OTP struct {
			TTL            time.Duration
			MaxAttempts    int
			ResendCooldown time.Duration
		}

		Sync struct {
			PushInterval time.Duration
			BackoffFloor time.Duration
			BackoffCap   time.Duration
			MaxRetries   int
		}

		Remote struct {
			DirectoryURL  string
			RepositoryURL string
			APIKey        string
			Timeout       time.Duration
		}

		SendgridAPIKey string
		RollbarToken   string
	}
)

// NewConfig loads the app configuration from defaults, an optional
// config/.env.<env> file and environment variables (prefixed with ENV).
func NewConfig() *Config {
	v := viper.New()
	v.SetTypeByDefaultValue(true)

	// defaults
	v.SetDefault("debug", true)
	v.SetDefault("appName", "Shule")
	v.SetDefault("build", "dev")
	v.SetDefault("secretKey", "w#0q(t90denb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("defaultFromEmail", "noreply@localhost")
	v.SetDefault("databasePath", "shule.db")
	v.SetDefault("serverAddress", ":8080")
	v.SetDefault("serverDebugHost", ":8081")
	v.SetDefault("serverShutdownTimeout", 5*time.Second)
	v.SetDefault("jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("otpTTL", 60*time.Second)
	v.SetDefault("otpMaxAttempts", 3)
	v.SetDefault("otpResendCooldown", 60*time.Second)
	v.SetDefault("syncPushInterval", 30*time.Second)
	v.SetDefault("syncBackoffFloor", 5*time.Second)
	v.SetDefault("syncBackoffCap", 15*time.Minute)
	v.SetDefault("syncMaxRetries", 3)
	v.SetDefault("remoteDirectoryURL", "http://localhost:9090")
	v.SetDefault("remoteRepositoryURL", "http://localhost:9091")
	v.SetDefault("remoteTimeout", 10*time.Second)

	env := os.Getenv("ENV") // DEV (local; default), TEST, QA, PROD
	if env == "" {
		env = "DEV"
	}
	if env == "TEST" {
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)

	// load .env if it exists (ignore if it does not)
	wd := Getwd()
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	conf := &Config{
		Env:              env,
		Build:            v.GetString("build"),
		Debug:            v.GetBool("debug"),
		TestMode:         v.GetBool("testMode"),
		AppName:          v.GetString("appName"),
		SecretKey:        []byte(v.GetString("secretKey")),
		DefaultFromEmail: mail.Address{Name: v.GetString("appName"), Address: v.GetString("defaultFromEmail")},
		WorkDir:          wd,
		SendgridAPIKey:   v.GetString("sendgridApiKey"),
		RollbarToken:     v.GetString("rollbarToken"),
	}
	conf.Database.Path = v.GetString("databasePath")
	conf.Server.Address = v.GetString("serverAddress")
	conf.Server.DebugHost = v.GetString("serverDebugHost")
	conf.Server.ShutdownTimeout = v.GetDuration("serverShutdownTimeout")
	conf.Server.JWTExpirationDelta = v.GetDuration("jwtExpirationDelta")
	conf.OTP.TTL = v.GetDuration("otpTTL")
	conf.OTP.MaxAttempts = v.GetInt("otpMaxAttempts")
	conf.OTP.ResendCooldown = v.GetDuration("otpResendCooldown")
	conf.Sync.PushInterval = v.GetDuration("syncPushInterval")
	conf.Sync.BackoffFloor = v.GetDuration("syncBackoffFloor")
	conf.Sync.BackoffCap = v.GetDuration("syncBackoffCap")
	conf.Sync.MaxRetries = v.GetInt("syncMaxRetries")
	conf.Remote.DirectoryURL = v.GetString("remoteDirectoryURL")
	conf.Remote.RepositoryURL = v.GetString("remoteRepositoryURL")
	conf.Remote.APIKey = v.GetString("remoteApiKey")
	conf.Remote.Timeout = v.GetDuration("remoteTimeout")
	return conf
}

// Getwd tries to find the project root.
// go-test changes the working directory to the test package being run during tests;
// see: https://stackoverflow.com/questions/23847003/golang-tests-and-working-directory
func Getwd() string {
	wd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}
	currDir := wd
	for {
		if _, err := os.Stat(filepath.Join(currDir, "go.mod")); err == nil {
			return currDir
		}
		newDir := filepath.Dir(currDir)
		if newDir == string(os.PathSeparator) || newDir == currDir {
			return wd
		}
		currDir = newDir
	}
}
