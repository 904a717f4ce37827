// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynimport

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
)

var testPlan = CapacityPlan{
	Import: Throughput{Read: 1, Write: 500},
	Steady: Throughput{Read: 1, Write: 1},
}

func TestCapacityRaiseRestore(t *testing.T) {
	table := newFakeTable(5, 5)
	c := &CapacityController{Dyn: table.dyn(), TableName: "test-table", Plan: testPlan}

	if err := c.Raise(); err != nil {
		t.Fatal("Unexpected raise error", err)
	}
	if table.throughput != testPlan.Import {
		t.Errorf("Incorrect throughput after raise %s", table.throughput)
	}
	if err := c.Restore(); err != nil {
		t.Fatal("Unexpected restore error", err)
	}
	if table.throughput != testPlan.Steady {
		t.Errorf("Incorrect throughput after restore %s", table.throughput)
	}
	expected := []Throughput{testPlan.Import, testPlan.Steady}
	if updates := table.updateLog(); !reflect.DeepEqual(updates, expected) {
		t.Errorf("Incorrect updates %v", updates)
	}
	if c.Updates() != 2 {
		t.Errorf("Incorrect update count %d", c.Updates())
	}
}

func TestCapacityIdempotent(t *testing.T) {
	table := newFakeTable(1, 500)
	c := &CapacityController{Dyn: table.dyn(), TableName: "test-table", Plan: testPlan}

	for i := 0; i < 2; i++ {
		if err := c.Raise(); err != nil {
			t.Fatal("Unexpected raise error", err)
		}
	}
	if len(table.updateLog()) != 0 || c.Updates() != 0 {
		t.Errorf("Raise issued updates for a table already at the import setting")
	}
}

// The table may report stale throughput; DynamoDB rejects the no-op update
// with a ValidationException which is not an error.
func TestCapacityUnchangedRejection(t *testing.T) {
	dyn := newFakeTable(5, 5).dyn()
	dyn.update = func(input *dynamodb.UpdateTableInput) (*dynamodb.UpdateTableOutput, error) {
		return nil, awserr.New("ValidationException",
			"The provisioned throughput for the table will not change. The requested value equals the current value.", nil)
	}
	c := &CapacityController{Dyn: dyn, TableName: "test-table", Plan: testPlan}
	if err := c.Raise(); err != nil {
		t.Error("Unexpected raise error", err)
	}
	if err := c.Restore(); err != nil {
		t.Error("Unexpected restore error", err)
	}
}

func TestCapacityOnDemand(t *testing.T) {
	table := newFakeTable(0, 0)
	table.onDemand = true
	c := &CapacityController{Dyn: table.dyn(), TableName: "test-table", Plan: testPlan}
	if err := c.Raise(); err != nil {
		t.Error("Unexpected raise error", err)
	}
	if err := c.Restore(); err != nil {
		t.Error("Unexpected restore error", err)
	}
	if len(table.updateLog()) != 0 {
		t.Errorf("Updates issued for on-demand table")
	}
}

func TestCapacityErrors(t *testing.T) {
	table := newFakeTable(5, 5)
	table.updateErr = func(Throughput) error {
		return awserr.New("LimitExceededException", "Subscriber limit exceeded", nil)
	}
	c := &CapacityController{Dyn: table.dyn(), TableName: "test-table", Plan: testPlan}
	if err := c.Raise(); !errors.Is(err, ErrCapacityRaiseFailed) {
		t.Errorf("Expected ErrCapacityRaiseFailed, got %v", err)
	}
	if err := c.Restore(); !errors.Is(err, ErrCapacityRestoreFailed) {
		t.Errorf("Expected ErrCapacityRestoreFailed, got %v", err)
	}

	dyn := table.dyn()
	dyn.describe = func(*dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
		return nil, awserr.New(dynamodb.ErrCodeResourceNotFoundException, "Requested resource not found", nil)
	}
	c = &CapacityController{Dyn: dyn, TableName: "test-table", Plan: testPlan}
	if err := c.Raise(); !errors.Is(err, ErrCapacityRaiseFailed) {
		t.Errorf("Expected ErrCapacityRaiseFailed on describe failure, got %v", err)
	}
}

func TestCapacityWaitsForActive(t *testing.T) {
	table := newFakeTable(5, 5)
	dyn := table.dyn()
	describe := dyn.describe
	var polls int
	dyn.describe = func(input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
		resp, err := describe(input)
		if len(table.updateLog()) > 0 {
			polls++
			if polls < 3 {
				resp.Table.TableStatus = aws.String(dynamodb.TableStatusUpdating)
			}
		}
		return resp, err
	}

	c := &CapacityController{
		Dyn:                dyn,
		TableName:          "test-table",
		Plan:               testPlan,
		ActiveTimeout:      5 * time.Second,
		ActivePollInterval: time.Millisecond,
	}
	if err := c.Raise(); err != nil {
		t.Fatal("Unexpected raise error", err)
	}
	if polls != 3 {
		t.Errorf("Expected 3 status polls, got %d", polls)
	}
}

func TestCapacityActiveTimeout(t *testing.T) {
	dyn := newFakeTable(5, 5).dyn()
	describe := dyn.describe
	var calls int
	dyn.describe = func(input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
		resp, err := describe(input)
		calls++
		if calls > 1 {
			resp.Table.TableStatus = aws.String(dynamodb.TableStatusUpdating)
		}
		return resp, err
	}

	c := &CapacityController{
		Dyn:                dyn,
		TableName:          "test-table",
		Plan:               testPlan,
		ActiveTimeout:      50 * time.Millisecond,
		ActivePollInterval: time.Millisecond,
	}
	done := make(chan error)
	go func() { done <- c.Raise() }()
	select {
	case err := <-done:
		if !errors.Is(err, ErrCapacityRaiseFailed) {
			t.Errorf("Expected ErrCapacityRaiseFailed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Raise did not time out")
	}
}

func TestCapacitySettleDelay(t *testing.T) {
	table := newFakeTable(1, 500)
	c := &CapacityController{
		Dyn:         table.dyn(),
		TableName:   "test-table",
		Plan:        testPlan,
		SettleDelay: 30 * time.Millisecond,
	}
	start := time.Now()
	if err := c.Restore(); err != nil {
		t.Fatal("Unexpected restore error", err)
	}
	if d := time.Since(start); d < 30*time.Millisecond {
		t.Errorf("Restore returned after %s", d)
	}
}
