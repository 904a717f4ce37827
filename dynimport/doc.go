// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

/*
Package dynimport loads a DynamoDB point-in-time export stored in S3 into a
live DynamoDB table.

An export consists of a summary object, a manifest listing the data files
and a set of gzip compressed, newline delimited JSON partition files.  The
Importer reads the manifest, regroups the items of every partition into
evenly sized chunks (one per worker), raises the table's provisioned
capacity, writes the chunks using a pool of parallel workers and finally
restores the table's capacity to a steady-state setting.

Individual write failures do not stop an import; they are collected per
chunk and reported once every chunk has been processed.
*/
package dynimport
