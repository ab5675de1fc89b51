package report

import (
	"context"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/googleapis/gax-go/v2"
	"gocloud.dev/blob"
	"gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcp"
	"golang.org/x/oauth2"
)

const (
	ProviderAWS   = "aws"
	ProviderGCP   = "gcp"
	ProviderAzure = "azure"
)

// BucketConfig defines where the report is exported.
// If the URL is set, the bucket is opened by the URL, for example "file:///tmp/reports", "mem://" or "s3://bucket?region=us-east-1".
// Otherwise, the Provider with explicit credentials is used.
type BucketConfig struct {
	URL      string
	Provider string
	Bucket   string
	// AWS
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// GCP
	AccessToken string
	TokenType   string
	// Azure
	SASConnectionString string
	// Transport is used by the provider SDK, optional.
	Transport http.RoundTripper
}

func OpenBucket(ctx context.Context, cfg BucketConfig) (*blob.Bucket, error) {
	if cfg.URL != "" {
		b, err := blob.OpenBucket(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf(`cannot open bucket "%s": %w`, cfg.URL, err)
		}
		return b, nil
	}

	switch cfg.Provider {
	case ProviderAWS:
		return openS3Bucket(ctx, cfg)
	case ProviderGCP:
		return openGCSBucket(ctx, cfg)
	case ProviderAzure:
		return openAzureBucket(ctx, cfg)
	case "":
		return nil, fmt.Errorf("bucket url or provider must be set")
	default:
		return nil, fmt.Errorf(`unexpected bucket provider "%s"`, cfg.Provider)
	}
}

// Export writes the JSON report to the key in the bucket.
func Export(ctx context.Context, bucket *blob.Bucket, key string, r *Report) (err error) {
	opts := &blob.WriterOptions{
		ContentType: "application/json",
		// 5MB is AWS's minimum part size
		BufferSize: int(s3manager.MinUploadPartSize),
	}

	w, err := bucket.NewWriter(ctx, key, opts)
	if err != nil {
		return fmt.Errorf(`opening blob "%s" failed: %w`, key, err)
	}
	defer func() {
		if closeErr := w.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf(`writing blob "%s" failed: %w`, key, closeErr)
		}
	}()

	return r.WriteJSON(w)
}

func openS3Bucket(ctx context.Context, cfg BucketConfig) (*blob.Bucket, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		),
	}
	if cfg.Transport != nil {
		opts = append(opts, config.WithHTTPClient(&http.Client{Transport: cfg.Transport}))
	}

	var awsCfg aws.Config
	var err error
	awsCfg, err = config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return s3blob.OpenBucketV2(ctx, s3.NewFromConfig(awsCfg), cfg.Bucket, nil)
}

func openGCSBucket(ctx context.Context, cfg BucketConfig) (*blob.Bucket, error) {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cfg.AccessToken,
		TokenType:   cfg.TokenType,
	})

	transport := cfg.Transport
	if transport == nil {
		transport = gcp.DefaultTransport()
	}
	client, err := gcp.NewHTTPClient(transport, tokenSource)
	if err != nil {
		return nil, err
	}

	b, err := gcsblob.OpenBucket(ctx, client, cfg.Bucket, nil)
	if err != nil {
		return nil, err
	}

	var gcsClient *storage.Client
	if !b.As(&gcsClient) {
		return nil, fmt.Errorf("unable to access storage.Client through Bucket.As")
	}
	gcsClient.SetRetry(
		storage.WithBackoff(gax.Backoff{}),
		storage.WithPolicy(storage.RetryIdempotent),
	)

	return b, nil
}

func openAzureBucket(ctx context.Context, cfg BucketConfig) (*blob.Bucket, error) {
	opts := &container.ClientOptions{}
	if cfg.Transport != nil {
		opts.ClientOptions = azcore.ClientOptions{Transport: &http.Client{Transport: cfg.Transport}}
	}

	client, err := container.NewClientFromConnectionString(cfg.SASConnectionString, cfg.Bucket, opts)
	if err != nil {
		return nil, err
	}

	return azureblob.OpenBucket(ctx, client, nil)
}
