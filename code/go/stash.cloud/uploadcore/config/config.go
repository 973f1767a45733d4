package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SetupDefaultConfig - setup the default config options that can be overridden via the config file
func SetupDefaultConfig() {
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("max_file_size", 6*1024*1024*1024)
	viper.SetDefault("min_disk_space", 1024*1024*1024)

	viper.SetDefault("session_cleaner.frequency", 300)
	viper.SetDefault("session_cleaner.tolerance", 86400)
	viper.SetDefault("session_cleaner.num_workers", 5)
	viper.SetDefault("scratch_reconciler.frequency", 600)

	viper.SetDefault("rate_limiters.session_rps", 1)
	viper.SetDefault("rate_limiters.chunk_rps", 10)
	viper.SetDefault("rate_limiters.commit_rps", 1)
	viper.SetDefault("rate_limiters.default_token_expire_duration", time.Minute*5)
	viper.SetDefault("rate_limiters.proxy", false)

	viper.SetDefault("quota.max_anonymous_uploads", 3)
	viper.SetDefault("quota.cookie_validity", 30*24*time.Hour)

	viper.SetDefault("permanent_storage.request_timeout", 10*time.Second)
	viper.SetDefault("permanent_storage.commit_timeout", 10*time.Minute)
	viper.SetDefault("permanent_storage.max_concurrent_commits", 4)
	viper.SetDefault("permanent_storage.application_name", "Stash")
}

/*SetupConfig - setup the configuration system */
func SetupConfig(configPath string) {
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()
	viper.SetConfigName("stash_upload")

	if configPath == "" {
		viper.AddConfigPath("./config")
	} else {
		viper.AddConfigPath(configPath)
	}

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %s", err))
	}
}

const (
	DeploymentDevelopment = 0
	DeploymentTestNet     = 1
	DeploymentMainNet     = 2
)

type Config struct {
	DeploymentMode byte

	// FilesDir root directory for in-flight scratch files.
	FilesDir string
	// MaxFileSize upper bound on a session's declared length.
	MaxFileSize int64
	// MinDiskSpace free bytes required on the scratch volume to accept a new session.
	MinDiskSpace int64

	DBHost     string
	DBPort     string
	DBName     string
	DBUserName string
	DBPassword string

	SessionCleanerFreq      int64
	SessionCleanerTolerance int64
	SessionCleanerWorkers   int
	ScratchReconcilerFreq   int64

	SessionRPS float64
	ChunkRPS   float64
	CommitRPS  float64

	// QuotaSecret keys the HMAC over anonymous upload counters. Rotating it
	// invalidates every outstanding token.
	QuotaSecret         string
	MaxAnonymousUploads int
	QuotaCookieValidity time.Duration

	// AdminKey bypasses the anonymous quota ceiling when presented.
	AdminKey string

	GatewayURL           string
	GatewayRequestTimout time.Duration
	GatewayCommitTimeout time.Duration
	MaxConcurrentCommits int64
	ApplicationName      string
}

/*Configuration of the system */
var Configuration Config

/*Development - is the deployment mode development */
func Development() bool {
	return Configuration.DeploymentMode == DeploymentDevelopment
}

/*TestNet is the deployment mode testnet */
func TestNet() bool {
	return Configuration.DeploymentMode == DeploymentTestNet
}
