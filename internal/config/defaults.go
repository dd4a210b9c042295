package config

const (
	defaultDataDir                = "~/.local/share/loom"
	defaultLogDir                 = "~/.local/share/loom/logs"
	defaultAPIBind                = "127.0.0.1:7823"
	defaultAccountID              = "primary"
	defaultBackendRequestTimeout  = 30
	defaultNotifyRequestTimeout   = 10
	defaultPollIntervalMillis     = 2000
	defaultAutosaveDebounceMillis = 750
	defaultStaleProcessingMinutes = 30
	defaultVideoPerSecond         = 0.1
	defaultSpeechPerKiloChars     = 0.05
	defaultImagePerCall           = 0.25
	defaultScriptPerCall          = 0.1
	defaultLowBalanceThreshold    = 1.0
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Backend: Backend{
			AccountID:      defaultAccountID,
			RequestTimeout: defaultBackendRequestTimeout,
		},
		Credits: Credits{
			VideoPerSecond:      defaultVideoPerSecond,
			SpeechPerKiloChars:  defaultSpeechPerKiloChars,
			ImagePerCall:        defaultImagePerCall,
			ScriptPerCall:       defaultScriptPerCall,
			LowBalanceThreshold: defaultLowBalanceThreshold,
		},
		Workflow: Workflow{
			PollIntervalMillis:     defaultPollIntervalMillis,
			AutosaveDebounceMillis: defaultAutosaveDebounceMillis,
			StaleProcessingMinutes: defaultStaleProcessingMinutes,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Generation:     true,
			Pipeline:       true,
			LowBalance:     true,
			Errors:         true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
