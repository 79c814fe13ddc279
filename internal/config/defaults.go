package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Policy: PolicyConfig{
			Mode:                "monitor",
			TransitiveRules:     false,
			BlockedPaths:        defaultBlockedPaths(),
			HoldPolicy:          "poll",
			PendingTimeoutMs:    5000,
			EvaluationTimeoutMs: 10000,
		},
		Rules: RulesConfig{
			DBPath:    "~/.execguard/rules.db",
			ImportDir: "~/.execguard/rules.d",
		},
		Cache: CacheConfig{
			MaxEntries: 10000,
		},
		Events: EventsConfig{
			LogType:       "syslog",
			BundleAction:  "store",
			RetentionDays: 30,
		},
		Server: ServerConfig{
			Socket:     "~/.execguard/execguard.sock",
			PIDFile:    "~/.execguard/execguard.pid",
			WatchPeers: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
			Path:    "/metrics",
		},
		Sync: SyncConfig{
			ContentEncoding: "none",
			CleanSync:       "normal",
		},
	}
}

func defaultBlockedPaths() []string {
	return []string{
		`^/private/tmp/`,
		`^/Volumes/[^/]+/\.Trashes/`,
	}
}
