// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

/*
Command dynimport loads a DynamoDB export, written to S3 by DynamoDB's
"Export to S3" feature, into an existing DynamoDB table.

The table's provisioned write capacity is raised for the duration of the
import and restored afterwards.  Items are regrouped into evenly sized
chunks and written by a configurable number of parallel workers.

Use "dynimport info" to inspect an export before importing it.

AWS credentials are resolved using the SDK's default credential chain.
*/
package main

import (
	"os"

	cli "github.com/jawher/mow.cli"
	"github.com/tsypuk/aws-dynamo-import/internal/cmd"
)

func main() {
	app := cli.App("dynimport", "Import DynamoDB table exports from S3")

	cmd.RegisterImportCommand(app)
	cmd.RegisterInfoCommand(app)

	app.Run(os.Args)
}
