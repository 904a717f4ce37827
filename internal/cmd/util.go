// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/s3"
	cli "github.com/jawher/mow.cli"
)

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
	tib = 1 << 40
)

func fmtBytes(bytes int64) string {
	switch {
	case bytes < 0:
		return "unknown"
	case bytes < kib:
		return fmt.Sprintf("%d bytes", bytes)
	case bytes < mib:
		return fmt.Sprintf("%.1f KB", float64(bytes)/kib)
	case bytes < gib:
		return fmt.Sprintf("%.1f MB", float64(bytes)/mib)
	case bytes < tib:
		return fmt.Sprintf("%.1f GB", float64(bytes)/gib)
	default:
		return fmt.Sprintf("%.1f TB", float64(bytes)/tib)
	}
}

func fail(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	cli.Exit(100)
}

type awsServices struct {
	s3  *s3.S3
	dyn *dynamodb.DynamoDB
}

func initAWS(region string, maxRetries int) *awsServices {
	r := &CustomRetryer{
		DefaultRetryer: &client.DefaultRetryer{
			NumMaxRetries: maxRetries,
		},
	}

	cfg := aws.NewConfig().WithRegion(region)
	cfg = request.WithRetryer(cfg, r)

	s, err := session.NewSession(cfg)
	if err != nil {
		fail("Failed to create AWS session: %v", err)
	}

	return &awsServices{
		s3:  s3.New(s),
		dyn: dynamodb.New(s),
	}
}

// CustomRetryer extends the SDK's default retry rules for the table
// operations the importer relies on.
type CustomRetryer struct {
	*client.DefaultRetryer
}

func (cr *CustomRetryer) ShouldRetry(r *request.Request) bool {
	if r.Error != nil {
		if err, ok := r.Error.(awserr.Error); ok {
			switch {
			// UpdateTable is rejected while a previous change to the table
			// is still being applied.
			case r.Operation.Name == "UpdateTable" && err.Code() == "ResourceInUseException":
				return true

			// Long running imports occasionally see dropped connections
			// surface as a SerializationError; trap and force a retry.
			case r.Operation.Name == "PutItem" && err.Code() == "SerializationError":
				return true
			}
		}
	}

	return cr.DefaultRetryer.ShouldRetry(r)
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code() == s3ObjectNotFound
	}
	return false
}
