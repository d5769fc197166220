// Copyright (C) The Open Data Cube Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package enqueue implements the queue-feeding utilities: listing
// scene descriptors out of the input bucket onto the work queue, and
// redriving dead-lettered messages back onto the live queue.
package enqueue

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/opendatacube/WOFLs-orchestration/lib/cmd"
	"github.com/opendatacube/WOFLs-orchestration/lib/config"
	"github.com/opendatacube/WOFLs-orchestration/lib/ctxlog"
	"github.com/opendatacube/WOFLs-orchestration/lib/sqsqueue"
	"github.com/sirupsen/logrus"
)

// AddCommand lists objects in the input bucket and pushes each
// matching key onto the work queue.
var AddCommand cmd.Handler = cmd.HandlerFunc(runAdd)

// RedriveCommand drains the dead-letter queue back onto the live
// queue.
var RedriveCommand cmd.Handler = cmd.HandlerFunc(runRedrive)

// ObjectLister is the slice of the S3 client used here, so tests can
// substitute a stub.
type ObjectLister interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Sender is the queue side of the enqueue operation.
type Sender interface {
	Send(ctx context.Context, body string) error
}

func runAdd(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	configPath := flags.String("config", config.DefaultConfigFile, "`path` to YAML configuration file")
	bucket := flags.String("bucket", "", "input `bucket` to list (default: configured input bucket)")
	prefix := flags.String("prefix", "usgs", "only enqueue keys starting with this `prefix`")
	suffix := flags.String("suffix", ".xml", "only enqueue keys ending with this `suffix`")
	limit := flags.Int("limit", 10, "stop after enqueueing this many keys")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", prog, err)
		return 1
	}
	if *bucket == "" {
		*bucket = cfg.InputBucket
	}
	logger := ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)
	ctx := ctxlog.Context(context.Background(), logger)

	awscfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.WithError(err).Error("error loading AWS config")
		return 1
	}
	queue := sqsqueue.NewWithAPI(sqs.NewFromConfig(awscfg), cfg.QueueURL, logger)
	n, err := Add(ctx, s3.NewFromConfig(awscfg), queue, *bucket, *prefix, *suffix, *limit)
	logger.WithField("Enqueued", n).Info("done")
	if err != nil {
		logger.WithError(err).Error("error enqueueing scenes")
		return 1
	}
	return 0
}

// Add walks the bucket listing and sends each matching key as one
// queue message. It stops after limit keys (limit < 1 means no
// limit) and returns the number sent.
func Add(ctx context.Context, lister ObjectLister, queue Sender, bucket, prefix, suffix string, limit int) (int, error) {
	logger := ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"Bucket": bucket,
		"Prefix": prefix,
	})
	logger.WithField("Limit", limit).Info("enqueueing scene descriptors")
	sent := 0
	var continuationToken *string
	for {
		resp, err := lister.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return sent, fmt.Errorf("error listing s3://%s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range resp.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, suffix) {
				continue
			}
			if err := queue.Send(ctx, key); err != nil {
				return sent, err
			}
			sent++
			if sent%100 == 0 {
				logger.WithField("Enqueued", sent).Info("still enqueueing")
			}
			if limit > 0 && sent >= limit {
				return sent, nil
			}
		}
		if resp.NextContinuationToken == nil {
			return sent, nil
		}
		continuationToken = resp.NextContinuationToken
	}
}

func runRedrive(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	configPath := flags.String("config", config.DefaultConfigFile, "`path` to YAML configuration file")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", prog, err)
		return 1
	}
	if cfg.DeadLetterQueueURL == "" {
		fmt.Fprintf(stderr, "%s: dead-letter queue URL must be configured (SQS_DEADLETTER_QUEUE_URL)\n", prog)
		return 1
	}
	logger := ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)
	ctx := ctxlog.Context(context.Background(), logger)

	awscfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.WithError(err).Error("error loading AWS config")
		return 1
	}
	api := sqs.NewFromConfig(awscfg)
	dead := sqsqueue.NewWithAPI(api, cfg.DeadLetterQueueURL, logger)
	live := sqsqueue.NewWithAPI(api, cfg.QueueURL, logger)
	n, err := Redrive(ctx, dead, live)
	logger.WithField("Redriven", n).Info("done")
	if err != nil {
		logger.WithError(err).Error("error redriving dead-letter queue")
		return 1
	}
	return 0
}

// Redrive moves every message on the dead-letter queue back onto the
// live queue: receive, re-send, then delete from the dead-letter
// queue, so a crash mid-move duplicates rather than loses. Returns
// the number of messages moved.
func Redrive(ctx context.Context, dead, live *sqsqueue.Client) (int, error) {
	logger := ctxlog.FromContext(ctx)
	moved := 0
	for {
		msgs, err := dead.Receive(ctx, 10, time.Second, 30*time.Second)
		if err != nil {
			return moved, err
		}
		if len(msgs) == 0 {
			return moved, nil
		}
		for _, msg := range msgs {
			if err := live.Send(ctx, msg.Body); err != nil {
				return moved, err
			}
			if err := dead.Ack(ctx, msg); err != nil {
				return moved, err
			}
			moved++
			logger.WithField("MessageID", msg.ID).Debug("redriven")
		}
	}
}
