package main

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/stashcloud/stash/code/go/stash.cloud/uploadcore/config"
)

func setupConfig() {
	fmt.Print("[2/7] load config")

	config.SetupDefaultConfig()
	config.SetupConfig(configDir)

	config.Configuration.DeploymentMode = byte(deploymentMode)

	if filesDir != "" {
		config.Configuration.FilesDir = filesDir
	} else {
		config.Configuration.FilesDir = viper.GetString("storage.files_dir")
	}
	if config.Configuration.FilesDir == "" {
		panic("Please specify --files_dir absolute folder name option where scratch files can be stored")
	}

	config.Configuration.MaxFileSize = viper.GetInt64("max_file_size")
	config.Configuration.MinDiskSpace = viper.GetInt64("min_disk_space")

	config.Configuration.DBHost = viper.GetString("db.host")
	config.Configuration.DBName = viper.GetString("db.name")
	config.Configuration.DBPort = viper.GetString("db.port")
	config.Configuration.DBUserName = viper.GetString("db.user")
	config.Configuration.DBPassword = viper.GetString("db.password")

	config.Configuration.SessionCleanerFreq = viper.GetInt64("session_cleaner.frequency")
	config.Configuration.SessionCleanerTolerance = viper.GetInt64("session_cleaner.tolerance")
	config.Configuration.SessionCleanerWorkers = viper.GetInt("session_cleaner.num_workers")
	config.Configuration.ScratchReconcilerFreq = viper.GetInt64("scratch_reconciler.frequency")

	config.Configuration.SessionRPS = viper.GetFloat64("rate_limiters.session_rps")
	config.Configuration.ChunkRPS = viper.GetFloat64("rate_limiters.chunk_rps")
	config.Configuration.CommitRPS = viper.GetFloat64("rate_limiters.commit_rps")

	config.Configuration.QuotaSecret = viper.GetString("quota.secret")
	if config.Configuration.QuotaSecret == "" {
		panic("Please set quota.secret; anonymous upload counters are signed with it")
	}
	config.Configuration.MaxAnonymousUploads = viper.GetInt("quota.max_anonymous_uploads")
	config.Configuration.QuotaCookieValidity = viper.GetDuration("quota.cookie_validity")
	config.Configuration.AdminKey = viper.GetString("quota.admin_key")

	config.Configuration.GatewayURL = viper.GetString("permanent_storage.gateway_url")
	config.Configuration.GatewayRequestTimout = viper.GetDuration("permanent_storage.request_timeout")
	config.Configuration.GatewayCommitTimeout = viper.GetDuration("permanent_storage.commit_timeout")
	config.Configuration.MaxConcurrentCommits = viper.GetInt64("permanent_storage.max_concurrent_commits")
	config.Configuration.ApplicationName = viper.GetString("permanent_storage.application_name")

	fmt.Print("		[OK]\n")
}
