// Copyright (C) The Open Data Cube Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package sqsqueue is a thin client for the SQS work queue that
// delivers scene descriptor keys to the dispatcher.
package sqsqueue

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
)

// Message is one received queue message. It is owned by the queue
// until acknowledged or abandoned, and immutable once received.
type Message struct {
	// Queue-assigned message ID, used in logs and as the tracking
	// key for in-flight work.
	ID string
	// Opaque token required to delete the message or extend its
	// visibility window.
	ReceiptHandle string
	// The scene descriptor key (path/URI into the input bucket).
	Body string
	// Time the message was first enqueued.
	SentAt time.Time
	// Approximate number of times the message has been received,
	// including this time. Drives the poison threshold.
	ReceiveCount int
	// False if the reported MD5 of the body did not match the body
	// we received. Such a message must not be dispatched.
	BodyMD5OK bool
}

// API is the subset of the SQS client used here, so tests can
// substitute a stub.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Client wraps one SQS queue.
type Client struct {
	QueueURL string

	api    API
	logger logrus.FieldLogger
}

// New returns a Client for the queue at queueURL, using the ambient
// AWS credential chain.
func New(ctx context.Context, queueURL string, logger logrus.FieldLogger) (*Client, error) {
	awscfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %s", err)
	}
	return &Client{
		QueueURL: queueURL,
		api:      sqs.NewFromConfig(awscfg),
		logger:   logger,
	}, nil
}

// NewWithAPI returns a Client that calls the given API
// implementation. Used by tests and by callers that already hold an
// SQS client.
func NewWithAPI(api API, queueURL string, logger logrus.FieldLogger) *Client {
	return &Client{QueueURL: queueURL, api: api, logger: logger}
}

// Receive long-polls the queue and returns zero or more messages. It
// never blocks longer than wait (plus network overhead). Each
// returned message is hidden from other consumers for the given
// visibility window.
func (c *Client) Receive(ctx context.Context, maxMessages int, wait, visibility time.Duration) ([]Message, error) {
	if maxMessages < 1 {
		return nil, nil
	}
	if maxMessages > 10 {
		// ReceiveMessage accepts at most 10
		maxMessages = 10
	}
	resp, err := c.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.QueueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     int32(wait / time.Second),
		VisibilityTimeout:   int32(visibility / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error receiving from %s: %w", c.QueueURL, err)
	}
	var msgs []Message
	for _, m := range resp.Messages {
		msgs = append(msgs, fromSQS(m))
	}
	return msgs, nil
}

// Ack permanently removes the message from the queue. Acknowledging a
// message that has already been removed is a no-op, not an error.
func (c *Client) Ack(ctx context.Context, msg Message) error {
	_, err := c.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.QueueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if isInvalidReceipt(err) {
		c.logger.WithField("MessageID", msg.ID).Debug("message already removed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("error deleting message %s: %w", msg.ID, err)
	}
	c.logger.WithField("MessageID", msg.ID).Debug("deleted message")
	return nil
}

// ExtendVisibility hides the message from other consumers for another
// full window of duration d, counted from now.
func (c *Client) ExtendVisibility(ctx context.Context, msg Message, d time.Duration) error {
	_, err := c.api.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.QueueURL),
		ReceiptHandle:     aws.String(msg.ReceiptHandle),
		VisibilityTimeout: int32(d / time.Second),
	})
	if err != nil {
		return fmt.Errorf("error extending visibility of message %s: %w", msg.ID, err)
	}
	return nil
}

// Send enqueues a new message with the given body.
func (c *Client) Send(ctx context.Context, body string) error {
	_, err := c.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.QueueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("error sending to %s: %w", c.QueueURL, err)
	}
	return nil
}

func fromSQS(m types.Message) Message {
	msg := Message{
		ID:            aws.ToString(m.MessageId),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		Body:          aws.ToString(m.Body),
		ReceiveCount:  1,
		BodyMD5OK:     true,
	}
	if md5attr := aws.ToString(m.MD5OfBody); md5attr != "" {
		msg.BodyMD5OK = md5attr == fmt.Sprintf("%x", md5.Sum([]byte(msg.Body)))
	}
	if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil {
		msg.ReceiveCount = n
	}
	if ms, err := strconv.ParseInt(m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
		msg.SentAt = time.UnixMilli(ms)
	}
	return msg
}

func isInvalidReceipt(err error) bool {
	var ae smithy.APIError
	if !errors.As(err, &ae) {
		return false
	}
	switch ae.ErrorCode() {
	case "ReceiptHandleIsInvalid", "InvalidParameterValue":
		return true
	}
	return false
}
