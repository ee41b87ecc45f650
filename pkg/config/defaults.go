package config

import "github.com/spf13/viper"

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("core_threads", 4)
	v.SetDefault("delegation_threads", 8)
	v.SetDefault("delegation_queue", 256)
	v.SetDefault("watchdog_period", "5s")
	v.SetDefault("idle_close_timeout", "30s")
	v.SetDefault("max_open_files", 65536)
	v.SetDefault("user_cache_ttl", "60s")
	v.SetDefault("max_cache_size", "")
}
