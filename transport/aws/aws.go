// Package aws provides an AWS SNS/SQS transport. Topics are SNS topics; each
// subscription provisions an SQS queue named after its topic.
package aws

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-aws/sns"
	"github.com/ThreeDotsLabs/watermill-aws/sqs"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	amazonsns "github.com/aws/aws-sdk-go-v2/service/sns"
	amazonsqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	smithyendpoints "github.com/aws/smithy-go/endpoints"

	"github.com/drblury/protostream/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "aws"

const (
	localstackAccountID = "000000000000"
	awsAccountIDLength  = 12
)

// DefaultConfigLoader allows overriding the AWS config loader for testing.
var DefaultConfigLoader = awsconfig.LoadDefaultConfig

// TopicResolverFactory allows overriding the topic resolver creation for testing.
var TopicResolverFactory = sns.NewGenerateArnTopicResolver

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg sns.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return sns.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg sns.SubscriberConfig, sqsCfg sqs.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return sns.NewSubscriber(cfg, sqsCfg, logger)
}

func init() {
	Register()
}

// Register adds the AWS transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.AWSCapabilities)
}

// TopicName maps a stream topic onto a valid SNS topic name. SNS accepts
// only letters, digits, hyphens and underscores.
func TopicName(topic string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, topic)
}

// Build creates a new AWS SNS/SQS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	endpoint, err := resolveEndpoint(cfg, awsCfg)
	if err != nil {
		logger.Error("Failed to parse AWS endpoint", err, watermill.LogFields{"endpoint": cfg.GetAWSEndpoint()})
		return transport.Transport{}, err
	}

	accountID, region := resolveAccountAndRegion(cfg, logger, awsCfg.Region)
	logger.Info("Creating AWS stream transport", watermill.LogFields{
		"accountID":       accountID,
		"region":          region,
		"custom_endpoint": endpoint != nil,
	})

	topicResolver, err := TopicResolverFactory(accountID, region)
	if err != nil {
		logger.Error("Failed to create SNS topic resolver", err, watermill.LogFields{
			"accountID": accountID,
			"region":    region,
		})
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(publisherConfig(awsCfg, topicResolver, endpoint), logger)
	if err != nil {
		return transport.Transport{}, err
	}

	snsCfg, sqsCfg := subscriberConfigs(awsCfg, topicResolver, endpoint)
	subscriber, err := SubscriberFactory(snsCfg, sqsCfg, logger)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  topicPublisher{Publisher: publisher},
		Subscriber: topicSubscriber{Subscriber: subscriber},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.AWSCapabilities
}

func loadAWSConfig(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	region := cfg.GetAWSRegion()
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if accessKey, secretKey := cfg.GetAWSAccessKeyID(), cfg.GetAWSSecretAccessKey(); accessKey != "" && secretKey != "" {
		logger.Info("Using static AWS credentials from config", nil)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCredentialsProvider(accessKey, secretKey)))
	}

	awsCfg, err := DefaultConfigLoader(ctx, opts...)
	if err != nil {
		logger.Error("Failed to load AWS default config", err, watermill.LogFields{"requested_region": region})
		return aws.Config{}, err
	}

	// The loader may ignore options in tests or custom setups.
	if region != "" {
		awsCfg.Region = region
	}
	return awsCfg, nil
}

// resolveEndpoint prefers the configured endpoint over the one the loader
// picked up from the environment.
func resolveEndpoint(cfg transport.Config, awsCfg aws.Config) (*url.URL, error) {
	raw := cfg.GetAWSEndpoint()
	if raw == "" && awsCfg.BaseEndpoint != nil {
		raw = *awsCfg.BaseEndpoint
	}
	if raw == "" {
		return nil, nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("aws: parse endpoint: %w", err)
	}
	return parsed, nil
}

func publisherConfig(awsCfg aws.Config, resolver sns.TopicResolver, endpoint *url.URL) sns.PublisherConfig {
	pc := sns.PublisherConfig{
		TopicResolver: resolver,
		AWSConfig:     awsCfg,
		Marshaler:     sns.DefaultMarshalerUnmarshaler{},
	}
	if endpoint != nil {
		base := endpoint.String()
		pc.OptFns = []func(*amazonsns.Options){
			func(o *amazonsns.Options) { o.BaseEndpoint = aws.String(base) },
		}
	}
	return pc
}

func subscriberConfigs(awsCfg aws.Config, resolver sns.TopicResolver, endpoint *url.URL) (sns.SubscriberConfig, sqs.SubscriberConfig) {
	snsCfg := sns.SubscriberConfig{
		AWSConfig:            awsCfg,
		TopicResolver:        resolver,
		GenerateSqsQueueName: queueNameFromTopic,
	}
	sqsCfg := sqs.SubscriberConfig{AWSConfig: awsCfg}

	if endpoint != nil {
		override := smithyendpoints.Endpoint{URI: *endpoint}
		snsCfg.OptFns = []func(*amazonsns.Options){
			amazonsns.WithEndpointResolverV2(sns.OverrideEndpointResolver{Endpoint: override}),
		}
		sqsCfg.OptFns = []func(*amazonsqs.Options){
			amazonsqs.WithEndpointResolverV2(sqs.OverrideEndpointResolver{Endpoint: override}),
		}
	}
	return snsCfg, sqsCfg
}

func queueNameFromTopic(ctx context.Context, snsTopic sns.TopicArn) (string, error) {
	topic, err := sns.ExtractTopicNameFromTopicArn(snsTopic)
	if err != nil {
		return "", err
	}
	return string(topic), nil
}

func resolveAccountAndRegion(cfg transport.Config, logger watermill.LoggerAdapter, fallbackRegion string) (string, string) {
	accountID := strings.Trim(cfg.GetAWSAccountID(), "\"' ")
	region := cfg.GetAWSRegion()
	if region == "" {
		region = fallbackRegion
	}

	if cfg.GetAWSEndpoint() == "" {
		return accountID, region
	}
	if accountID == "" {
		logger.Info("AWS account ID empty; using LocalStack default", watermill.LogFields{"accountID": localstackAccountID})
		return localstackAccountID, region
	}
	if len(accountID) != awsAccountIDLength {
		logger.Info("Invalid AWS account ID; falling back to LocalStack default", watermill.LogFields{"accountID": accountID})
		return localstackAccountID, region
	}
	return accountID, region
}

func staticCredentialsProvider(accessKeyID, secretAccessKey string) aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{
			AccessKeyID:     accessKeyID,
			SecretAccessKey: secretAccessKey,
		}, nil
	})
}

type topicPublisher struct {
	message.Publisher
}

func (p topicPublisher) Publish(topic string, messages ...*message.Message) error {
	return p.Publisher.Publish(TopicName(topic), messages...)
}

type topicSubscriber struct {
	message.Subscriber
}

func (s topicSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.Subscriber.Subscribe(ctx, TopicName(topic))
}
