package config

import "time"

// Defaults for the fleet and mailer configuration. The FLEXlm values match
// what the vendor installer ships with.
const (
	DefaultFlexPort        = 19353
	DefaultFlexServiceName = "FLEXlm License Manager"
	DefaultOptFileExt      = ".opt"

	DefaultSMTPPort = 25
	DefaultFromName = "License management"

	DefaultInterval = 10 * time.Minute

	DefaultKeepStateTimeout  = time.Hour
	DefaultMinFreePercentage = 0.20
	DefaultMaxFreePercentage = 0.40
	DefaultWarnThreshold     = 0.30
	DefaultWarnDelay         = time.Hour
)
