package cmd

import "time"

const (
	maxParallel         = 1000
	statsFrequency      = 2 * time.Second
	logFrequency        = 30 * time.Second
	awsMaxRetries       = 10
	defaultRegion       = "eu-west-1"
	defaultSettleSecs   = 5
	tableActiveTimeout  = 5 * time.Minute
	throttleRetryLimit  = 2 * time.Minute
	s3ObjectNotFound    = "NoSuchKey"
	defaultImportRead   = 1
	defaultImportWrite  = 500
	defaultPostRead     = 1
	defaultPostWrite    = 1
	maxProvisionedUnits = 40000
)
