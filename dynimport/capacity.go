// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynimport

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultSettleDelay is the time to wait after the last write before
	// restoring capacity, to let the table's capacity accounting catch up.
	DefaultSettleDelay = 5 * time.Second

	defaultActivePollInterval = time.Second
)

// DefaultCapacityPlan raises write capacity to 500 units for the import and
// drops the table back to 1 read and 1 write unit afterwards.
var DefaultCapacityPlan = CapacityPlan{
	Import: Throughput{Read: 1, Write: 500},
	Steady: Throughput{Read: 1, Write: 1},
}

// DynTableUpdater defines the portion of the DynamoDB service the
// CapacityController requires.
type DynTableUpdater interface {
	DescribeTable(input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error)
	UpdateTable(input *dynamodb.UpdateTableInput) (*dynamodb.UpdateTableOutput, error)
}

// Throughput is a provisioned read/write capacity setting.
type Throughput struct {
	Read  int64
	Write int64
}

func (t Throughput) String() string {
	return fmt.Sprintf("read=%d write=%d", t.Read, t.Write)
}

// CapacityPlan holds the capacity to use while importing and the capacity
// to restore once the import has finished.
type CapacityPlan struct {
	Import Throughput
	Steady Throughput
}

// CapacityController raises a table's provisioned capacity for the
// duration of an import and restores it afterwards.
//
// Applying a setting the table already has is a no-op, as is any change
// to a table using on-demand (PAY_PER_REQUEST) billing.
type CapacityController struct {
	Dyn                DynTableUpdater
	TableName          string
	Plan               CapacityPlan
	SettleDelay        time.Duration // Delay before Restore updates the table
	ActiveTimeout      time.Duration // Maximum time Raise waits for the table to become ACTIVE; 0 disables waiting
	ActivePollInterval time.Duration // Initial interval between ACTIVE checks; defaults to 1s
	Logger             *log.Logger

	updates int64
}

// Raise applies the plan's import setting.  Writes should not begin until
// it has returned successfully.
func (c *CapacityController) Raise() error {
	if err := c.apply(c.Plan.Import, c.ActiveTimeout); err != nil {
		return fmt.Errorf("%w: table=%s %s: %v", ErrCapacityRaiseFailed, c.TableName, c.Plan.Import, err)
	}
	return nil
}

// Restore waits for SettleDelay and then applies the plan's steady-state
// setting.
func (c *CapacityController) Restore() error {
	if c.SettleDelay > 0 {
		time.Sleep(c.SettleDelay)
	}
	if err := c.apply(c.Plan.Steady, 0); err != nil {
		return fmt.Errorf("%w: table=%s %s: %v", ErrCapacityRestoreFailed, c.TableName, c.Plan.Steady, err)
	}
	return nil
}

// Updates returns the number of UpdateTable calls that have been issued.
func (c *CapacityController) Updates() int64 {
	return atomic.LoadInt64(&c.updates)
}

func (c *CapacityController) apply(target Throughput, waitFor time.Duration) error {
	logger := loggerOrDiscard(c.Logger)

	resp, err := c.Dyn.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(c.TableName),
	})
	if err != nil {
		return err
	}
	table := resp.Table

	if isOnDemand(table) {
		logger.Printf("Skipping capacity change for on-demand table table=%s", c.TableName)
		return nil
	}

	if current := currentThroughput(table); current == target {
		logger.Printf("Table capacity unchanged table=%s %s", c.TableName, target)
		return nil
	}

	atomic.AddInt64(&c.updates, 1)
	_, err = c.Dyn.UpdateTable(&dynamodb.UpdateTableInput{
		TableName: aws.String(c.TableName),
		ProvisionedThroughput: &dynamodb.ProvisionedThroughput{
			ReadCapacityUnits:  aws.Int64(target.Read),
			WriteCapacityUnits: aws.Int64(target.Write),
		},
	})
	if err != nil {
		if isUnchangedThroughput(err) {
			logger.Printf("Table capacity unchanged table=%s %s", c.TableName, target)
			return nil
		}
		return err
	}
	logger.Printf("Table capacity updated table=%s %s", c.TableName, target)

	if waitFor > 0 {
		return c.waitActive(waitFor)
	}
	return nil
}

// waitActive polls the table with an exponential backoff until its status
// returns to ACTIVE.
func (c *CapacityController) waitActive(timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.ActivePollInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = defaultActivePollInterval
	}
	b.MaxElapsedTime = timeout

	return backoff.Retry(func() error {
		resp, err := c.Dyn.DescribeTable(&dynamodb.DescribeTableInput{
			TableName: aws.String(c.TableName),
		})
		if err != nil {
			return err
		}
		if status := aws.StringValue(resp.Table.TableStatus); status != dynamodb.TableStatusActive {
			return fmt.Errorf("table status is %s", status)
		}
		return nil
	}, b)
}

func currentThroughput(table *dynamodb.TableDescription) Throughput {
	pt := table.ProvisionedThroughput
	if pt == nil {
		return Throughput{}
	}
	return Throughput{
		Read:  aws.Int64Value(pt.ReadCapacityUnits),
		Write: aws.Int64Value(pt.WriteCapacityUnits),
	}
}

func isOnDemand(table *dynamodb.TableDescription) bool {
	bm := table.BillingModeSummary
	return bm != nil && aws.StringValue(bm.BillingMode) == dynamodb.BillingModePayPerRequest
}

// DynamoDB rejects an UpdateTable call that would not change the
// provisioned throughput with a ValidationException.
func isUnchangedThroughput(err error) bool {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code() == "ValidationException" &&
			strings.Contains(aerr.Message(), "will not change")
	}
	return false
}
