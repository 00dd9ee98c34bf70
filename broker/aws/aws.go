// Package aws provides the label filtering broker family on top of Amazon
// SNS topics and SQS queues.
package aws

import (
	"context"
	"errors"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/drblury/gobflow/broker"
)

// BrokerName is the name used to register this broker.
const BrokerName = "aws"

// SNSClient is the subset of the SNS API the broker uses.
type SNSClient interface {
	CreateTopic(ctx context.Context, params *amazonsns.CreateTopicInput, optFns ...func(*amazonsns.Options)) (*amazonsns.CreateTopicOutput, error)
	DeleteTopic(ctx context.Context, params *amazonsns.DeleteTopicInput, optFns ...func(*amazonsns.Options)) (*amazonsns.DeleteTopicOutput, error)
	Subscribe(ctx context.Context, params *amazonsns.SubscribeInput, optFns ...func(*amazonsns.Options)) (*amazonsns.SubscribeOutput, error)
	Publish(ctx context.Context, params *amazonsns.PublishInput, optFns ...func(*amazonsns.Options)) (*amazonsns.PublishOutput, error)
}

// SQSClient is the subset of the SQS API the broker uses.
type SQSClient interface {
	CreateQueue(ctx context.Context, params *amazonsqs.CreateQueueInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *amazonsqs.GetQueueUrlInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *amazonsqs.GetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.GetQueueAttributesOutput, error)
	SetQueueAttributes(ctx context.Context, params *amazonsqs.SetQueueAttributesInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SetQueueAttributesOutput, error)
	SendMessage(ctx context.Context, params *amazonsqs.SendMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *amazonsqs.ReceiveMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *amazonsqs.DeleteMessageInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *amazonsqs.ChangeMessageVisibilityInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.ChangeMessageVisibilityOutput, error)
	DeleteQueue(ctx context.Context, params *amazonsqs.DeleteQueueInput, optFns ...func(*amazonsqs.Options)) (*amazonsqs.DeleteQueueOutput, error)
}

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// ClientFactory allows overriding the SNS and SQS client creation for testing.
var ClientFactory = func(cfg aws.Config, endpoint string) (SNSClient, SQSClient) {
	var snsOpts []func(*amazonsns.Options)
	var sqsOpts []func(*amazonsqs.Options)
	if endpoint != "" {
		snsOpts = append(snsOpts, func(o *amazonsns.Options) { o.BaseEndpoint = aws.String(endpoint) })
		sqsOpts = append(sqsOpts, func(o *amazonsqs.Options) { o.BaseEndpoint = aws.String(endpoint) })
	}
	return amazonsns.NewFromConfig(cfg, snsOpts...), amazonsqs.NewFromConfig(cfg, sqsOpts...)
}

func init() {
	broker.RegisterWithCapabilities(BrokerName, Build, broker.AWSCapabilities)
}

// Build creates an SNS/SQS broker from config.
func Build(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (broker.Broker, error) {
	awsCfg, err := createAWSConfig(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Created AWS config", watermill.LogFields{
		"region":          awsCfg.Region,
		"custom_endpoint": cfg.GetAWSEndpoint() != "",
	})

	snsClient, sqsClient := ClientFactory(*awsCfg, cfg.GetAWSEndpoint())
	return New(Options{SNS: snsClient, SQS: sqsClient}, logger), nil
}

func createAWSConfig(ctx context.Context, cfg broker.Config, logger watermill.LoggerAdapter) (*aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	region := cfg.GetAWSRegion()
	accessKey := cfg.GetAWSAccessKeyID()
	secretKey := cfg.GetAWSSecretAccessKey()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKey != "" && secretKey != "" {
		logger.Info("Using static AWS credentials from config", watermill.LogFields{})
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": region})
		return nil, err
	}

	// Ensure region is set even if the loader ignores options
	if region != "" {
		awsCfg.Region = region
	}
	return &awsCfg, nil
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}

// resourceName maps a dotted exchange or queue name onto the character set
// SNS and SQS accept.
func resourceName(name string) string {
	return strings.ReplaceAll(name, ".", "-")
}

func isQueueMissing(err error) bool {
	var missing *sqstypes.QueueDoesNotExist
	if errors.As(err, &missing) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
			return true
		}
	}
	return false
}
