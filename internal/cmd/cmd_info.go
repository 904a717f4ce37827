// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"text/template"

	cli "github.com/jawher/mow.cli"
	"github.com/tsypuk/aws-dynamo-import/dynimport"
)

func RegisterInfoCommand(app *cli.Cli) {
	app.Command("info", "Display export metadata and data files from S3", func(cmd *cli.Cmd) {
		cmd.Spec = "[--region] [--max-retries] [--s3-prefix] [--files] --export --s3-bucket"
		action := &exportInfo{
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
				Desc:   "AWS region of the bucket",
				EnvVar: "AWS_REGION",
			}),
			maxRetries: cmd.Int(cli.IntOpt{
				Name:   "max-retries",
				Value:  awsMaxRetries,
				Desc:   "Maximum number of retry attempts to make with AWS services before failing",
				EnvVar: "AWS_MAX_RETRIES",
			}),
			showFiles: cmd.Bool(cli.BoolOpt{
				Name:   "files",
				Value:  false,
				Desc:   "Set to true to list every data file in the export",
				EnvVar: "SHOW_FILES",
			}),
		}

		cmd.Action = action.run
	})
}

var summaryTmpl = template.Must(template.New("summary").Funcs(template.FuncMap{
	"bytes": fmtBytes,
}).Parse(`
Export ARN...........: {{ .Summary.ExportARN }}
Table ARN............: {{ .Summary.TableARN }}
Export Type .........: {{ .Summary.ExportType }}
Output Format .......: {{ .Summary.OutputFormat }}
Export Time .........: {{ .Summary.ExportTime }}
Export Start Time ...: {{ .Summary.StartTime }}
Export End Time .....: {{ .Summary.EndTime }}
Billed Size .........: {{ bytes .Summary.BilledSizeBytes }}
Item Count ..........: {{ .Summary.ItemCount }}
Data Files ..........: {{ len .Partitions }}
Manifest ............: {{ .Summary.ManifestFilesS3Key }}
`))

type exportInfo struct {
	// options
	exportID     *string
	s3BucketName *string
	s3Prefix     *string
	region       *string
	maxRetries   *int
	showFiles    *bool
}

func (ei *exportInfo) run() {
	aws := initAWS(*ei.region, *ei.maxRetries)
	r := &dynimport.ManifestReader{
		S3:       aws.s3,
		Bucket:   *ei.s3BucketName,
		Prefix:   *ei.s3Prefix,
		ExportID: *ei.exportID,
	}
	md, err := r.Read()
	if err != nil {
		fail("Failed to read export manifest from S3: %v", err)
	}
	summaryTmpl.Execute(os.Stdout, md)

	if *ei.showFiles {
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ITEMS\tDATA FILE")
		for _, p := range md.Partitions {
			fmt.Fprintf(tw, "%d\t%s\n", p.ItemCount, p.DataFileS3Key)
		}
		tw.Flush()
	}
}
