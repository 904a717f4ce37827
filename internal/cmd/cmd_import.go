// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/Bowery/prompt"
	"github.com/cheggaaa/pb"
	cli "github.com/jawher/mow.cli"
	"github.com/tsypuk/aws-dynamo-import/dynimport"
)

func RegisterImportCommand(app *cli.Cli) {
	app.Command("import", "Import a DynamoDB export from S3 into a DynamoDB table", func(cmd *cli.Cmd) {
		cmd.Spec = "[-pw] [--region] [--max-retries] [--s3-prefix] " +
			"[--import-read] [--import-write] [--post-read] [--post-write] [--no-capacity] [--settle-seconds] " +
			"[--retry-throttled] [--force] --export --s3-bucket TABLENAME"
		action := &importer{
			tableName: cmd.StringArg("TABLENAME", "",
				"Table name to import into"),
			exportID: cmd.String(cli.StringOpt{
				Name:   "e export",
				Value:  "",
				Desc:   "DynamoDB export id or export ARN",
				EnvVar: "EXPORT_ID",
			}),
			s3BucketName: cmd.String(cli.StringOpt{
				Name:   "s3-bucket",
				Value:  "",
				Desc:   "S3 bucket holding the export",
				EnvVar: "S3_BUCKET",
			}),
			s3Prefix: cmd.String(cli.StringOpt{
				Name:   "s3-prefix",
				Value:  "",
				Desc:   "S3 prefix the export was written under, if any",
				EnvVar: "S3_PREFIX",
			}),
			region: cmd.String(cli.StringOpt{
				Name:   "region",
				Value:  defaultRegion,
				Desc:   "AWS region of the bucket and table",
				EnvVar: "AWS_REGION",
			}),
			parallel: cmd.Int(cli.IntOpt{
				Name:   "p parallel",
				Value:  1,
				Desc:   "Number of concurrent workers writing to DynamoDB",
				EnvVar: "MAX_PARALLEL",
			}),
			writeCapacity: cmd.Int(cli.IntOpt{
				Name:   "w write-capacity",
				Value:  0,
				Desc:   "Average aggregate write capacity to use for the import (set to 0 for unlimited)",
				EnvVar: "WRITE_CAPACITY",
			}),
			maxRetries: cmd.Int(cli.IntOpt{
				Name:   "max-retries",
				Value:  awsMaxRetries,
				Desc:   "Maximum number of retry attempts to make with AWS services before failing",
				EnvVar: "AWS_MAX_RETRIES",
			}),
			importRead: cmd.Int(cli.IntOpt{
				Name:   "import-read",
				Value:  defaultImportRead,
				Desc:   "Provisioned read capacity to set while importing",
				EnvVar: "IMPORT_RCU",
			}),
			importWrite: cmd.Int(cli.IntOpt{
				Name:   "import-write",
				Value:  defaultImportWrite,
				Desc:   "Provisioned write capacity to set while importing",
				EnvVar: "IMPORT_WCU",
			}),
			postRead: cmd.Int(cli.IntOpt{
				Name:   "post-read",
				Value:  defaultPostRead,
				Desc:   "Provisioned read capacity to restore after the import",
				EnvVar: "POST_IMPORT_RCU",
			}),
			postWrite: cmd.Int(cli.IntOpt{
				Name:   "post-write",
				Value:  defaultPostWrite,
				Desc:   "Provisioned write capacity to restore after the import",
				EnvVar: "POST_IMPORT_WCU",
			}),
			noCapacity: cmd.Bool(cli.BoolOpt{
				Name:   "no-capacity",
				Value:  false,
				Desc:   "Set to true to leave the table's provisioned capacity unchanged",
				EnvVar: "NO_CAPACITY_CHANGE",
			}),
			settleSeconds: cmd.Int(cli.IntOpt{
				Name:   "settle-seconds",
				Value:  defaultSettleSecs,
				Desc:   "Seconds to wait after the last write before restoring capacity",
				EnvVar: "SETTLE_SECONDS",
			}),
			retryThrottled: cmd.Bool(cli.BoolOpt{
				Name:   "retry-throttled",
				Value:  true,
				Desc:   "Retry writes rejected for exceeding provisioned throughput",
				EnvVar: "RETRY_THROTTLED",
			}),
			force: cmd.Bool(cli.BoolOpt{
				Name:   "force",
				Value:  false,
				Desc:   "Set to true to disable the import prompt",
				EnvVar: "NO_IMPORT_PROMPT",
			}),
		}

		cmd.Action = actionRunner(cmd, action)
	})
}

type importer struct {
	importer  *dynimport.Importer
	manifest  *dynimport.Manifest
	run       *dynimport.ImportRun
	abortChan chan struct{}
	startTime time.Time
	source    string
	aws       *awsServices

	// options
	tableName      *string
	exportID       *string
	s3BucketName   *string
	s3Prefix       *string
	region         *string
	parallel       *int
	writeCapacity  *int
	maxRetries     *int
	importRead     *int
	importWrite    *int
	postRead       *int
	postWrite      *int
	noCapacity     *bool
	settleSeconds  *int
	retryThrottled *bool
	force          *bool
}

func (im *importer) validate() error {
	switch {
	case *im.parallel < 1 || *im.parallel > maxParallel:
		return fmt.Errorf("parallel must be between 1 and %d", maxParallel)
	case *im.writeCapacity < 0:
		return errors.New("write-capacity must be 0 or greater")
	case *im.maxRetries < 0:
		return errors.New("max-retries must be 0 or greater")
	case *im.settleSeconds < 0:
		return errors.New("settle-seconds must be 0 or greater")
	}
	for _, v := range []*int{im.importRead, im.importWrite, im.postRead, im.postWrite} {
		if *v < 1 || *v > maxProvisionedUnits {
			return fmt.Errorf("capacity units must be between 1 and %d", maxProvisionedUnits)
		}
	}
	return nil
}

func (im *importer) init() error {
	if err := im.validate(); err != nil {
		return err
	}

	im.aws = initAWS(*im.region, *im.maxRetries)
	im.source = fmt.Sprintf("s3://%s/%s", *im.s3BucketName, *im.s3Prefix)

	im.importer = &dynimport.Importer{
		S3:            im.aws.s3,
		Dyn:           im.aws.dyn,
		Bucket:        *im.s3BucketName,
		Prefix:        *im.s3Prefix,
		ExportID:      *im.exportID,
		TableName:     *im.tableName,
		Workers:       *im.parallel,
		SettleDelay:   time.Duration(*im.settleSeconds) * time.Second,
		ActiveTimeout: tableActiveTimeout,
		WriteCapacity: float64(*im.writeCapacity),
		Retry:         dynimport.NoRetry,
	}
	if !*im.noCapacity {
		im.importer.Capacity = &dynimport.CapacityPlan{
			Import: dynimport.Throughput{Read: int64(*im.importRead), Write: int64(*im.importWrite)},
			Steady: dynimport.Throughput{Read: int64(*im.postRead), Write: int64(*im.postWrite)},
		}
	}
	if *im.retryThrottled {
		im.importer.Retry = dynimport.ThrottleRetry{MaxElapsed: throttleRetryLimit}
	}

	md, err := im.importer.Manifest()
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("export not found (check --export and --s3-prefix): %v", err)
		}
		return err
	}
	im.manifest = md

	if !*im.force {
		fmt.Printf("Import %d items from export %s of table %s into table %s\n\n",
			md.TotalItems(), dynimport.ExportIDFromARN(*im.exportID), md.Summary.TableARN, *im.tableName)
		ok, err := prompt.Ask("Are you sure you wish to import the above export")
		if err != nil {
			return fmt.Errorf("Could not prompt for confirmation (use --force to override): %v", err)
		}
		if !ok {
			return errors.New("User rejected import")
		}
	}
	return nil
}

func (im *importer) start(termWriter io.Writer, logger *log.Logger) (done chan error, err error) {
	capacity := "unchanged"
	if plan := im.importer.Capacity; plan != nil {
		capacity = fmt.Sprintf("import(%s) post(%s)", plan.Import, plan.Steady)
	}
	status := fmt.Sprintf(
		"Beginning import: table=%q source=%q export=%q items=%d partitions=%d "+
			"parallel=%d writeCapacity=%d capacity=%s",
		*im.tableName, im.source, *im.exportID, im.manifest.TotalItems(), len(im.manifest.Partitions),
		*im.parallel, *im.writeCapacity, capacity)

	fmt.Fprintln(termWriter, status)
	logger.Println(status)

	im.importer.Logger = logger
	done = make(chan error, 1)
	im.abortChan = make(chan struct{}, 1)
	im.startTime = time.Now()

	go func() {
		type result struct {
			run *dynimport.ImportRun
			err error
		}
		rerr := make(chan result)
		go func() {
			run, err := im.importer.Run()
			rerr <- result{run, err}
		}()

		var res result
		select {
		case <-im.abortChan:
			logger.Printf("Aborting import table=%s", *im.tableName)
			im.importer.Stop()
			res = <-rerr
			logger.Printf("Import abort completed table=%s", *im.tableName)

		case res = <-rerr:
			if res.err != nil {
				logger.Printf("Import failed table=%s error=%v", *im.tableName, res.err)
			} else {
				logger.Printf("Import completed OK table=%s", *im.tableName)
			}
		}
		im.run = res.run
		logger.Println("Final import stats", im.formatStats())
		done <- res.err
	}()

	return done, nil
}

func (im *importer) formatStats() string {
	stats := im.importer.Stats().Ingest
	deltaSeconds := time.Since(im.startTime).Seconds()
	return fmt.Sprintf("table=%s avg_items_sec=%.2f avg_capacity_sec=%.2f "+
		"total_items_written=%d total_items_failed=%d total_items_abandoned=%d total_retries=%d",
		*im.tableName,
		float64(stats.ItemsWritten)/deltaSeconds, stats.CapacityUsed/deltaSeconds,
		stats.ItemsWritten, stats.ItemsFailed, stats.ItemsAbandoned, stats.ItemsRetried)
}

func (im *importer) abort() {
	im.abortChan <- struct{}{}
}

func (im *importer) newProgressBar() *pb.ProgressBar {
	total := im.manifest.TotalItems()
	if total == 0 {
		return nil
	}
	bar := pb.New64(total)
	bar.ShowSpeed = true
	return bar
}

func (im *importer) updateProgress(bar *pb.ProgressBar) {
	stats := im.importer.Stats().Ingest
	bar.Set64(stats.ItemsWritten + stats.ItemsFailed)
}

func (im *importer) logProgress(logger *log.Logger) {
	logger.Printf("Import in progress - current stats %s", im.formatStats())
}

func (im *importer) printFinalStats(w io.Writer) {
	stats := im.importer.Stats()
	deltaSeconds := time.Since(im.startTime).Seconds()

	fmt.Fprintf(w, "Avg items/sec: %.2f\n", float64(stats.Ingest.ItemsWritten)/deltaSeconds)
	fmt.Fprintf(w, "Avg capacity/sec: %.2f\n", stats.Ingest.CapacityUsed/deltaSeconds)
	fmt.Fprintln(w, "Data read: ", fmtBytes(stats.Planner.BytesRead))

	run := im.run
	if run == nil {
		return
	}
	fmt.Fprintf(w, "Items written: %d of %d\n", run.Written, run.Planned)
	if run.Failed > 0 {
		fmt.Fprintln(w, "Items failed: ", run.Failed)
	}
	if run.Abandoned > 0 {
		fmt.Fprintln(w, "Items abandoned: ", run.Abandoned)
	}
	for _, cerr := range run.ChunkErrors {
		fmt.Fprintln(w, "  ", cerr)
	}
	if run.RestoreErr != nil {
		fmt.Fprintf(w, "WARNING: table capacity was not restored: %v\n", run.RestoreErr)
	}
	fmt.Fprintf(w, "Elapsed: %s (run %s)\n", run.Elapsed().Round(time.Second), run.ID)
}
