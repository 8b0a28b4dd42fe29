package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
			DataDir:  "~/.wagateway",
		},
		HTTP: HTTPConfig{
			Host:                "0.0.0.0",
			Port:                8050,
			BasePath:            "/api",
			ReadTimeoutSeconds:  60,
			WriteTimeoutSeconds: 120,
		},
		Session: SessionConfig{
			DataPath:             "~/.wagateway/session",
			Headless:             true,
			WebURL:               "https://web.whatsapp.com",
			MaxReconnectAttempts: 5,
			ReconnectDelayMs:     10000,
			InitTimeoutMs:        120000,
			StaleReinitDelayMs:   5000,
		},
		Send: SendConfig{
			AckTimeoutMs:       60000,
			DefaultCountryCode: "57",
			Burst:              5,
		},
		Uploads: UploadsConfig{
			Dir:                    "~/.wagateway/uploads",
			MaxSizeBytes:           10 << 20,
			MaxAgeHours:            24,
			CleanupIntervalMinutes: 60,
		},
		Journal: JournalConfig{
			Enabled:       true,
			DBPath:        "~/.wagateway/journal.db",
			RetentionDays: 30,
		},
		Notify: NotifyConfig{
			Terminal: true,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
