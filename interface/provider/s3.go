package provider

import (
	"context"
	"errors"
	"fmt"
	neturl "net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/airbusgeo/geofed/common"
	"github.com/airbusgeo/geofed/registry"
)

// S3Provider streams s3:// assets. A provider declaring aws credentials gets
// a static credential provider, the others use the ambient aws configuration.
type S3Provider struct {
	client *s3.Client
}

// NewS3Provider builds the s3 backend of one provider
func NewS3Provider(ctx context.Context, d *registry.ProviderDescriptor) (*S3Provider, error) {
	var opts []func(*config.LoadOptions) error
	if cred := d.Credential(); cred != nil && d.Auth == common.AuthAWS {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cred.Field("aws_access_key_id"), cred.Field("aws_secret_access_key"), cred.Field("aws_session_token"))))
		if region := cred.Field("aws_region"); region != "" {
			opts = append(opts, config.WithRegion(region))
		}
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewS3Provider.LoadDefaultConfig: %w", err)
	}
	return &S3Provider{client: s3.NewFromConfig(cfg)}, nil
}

// parseS3URL splits s3://bucket/key
func parseS3URL(originURL string) (bucket, key string, err error) {
	u, err := neturl.Parse(originURL)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("parseS3URL: not an s3:// url: %s", originURL)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

// Open implements AssetProvider. byteRange is forwarded to the GetObject call.
func (p *S3Provider) Open(ctx context.Context, originURL, byteRange string) (*AssetStream, error) {
	bucket, key, err := parseS3URL(originURL)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, NotFoundError{originURL}
	}
	in := &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)}
	if byteRange != "" {
		in.Range = aws.String(byteRange)
	}
	out, err := p.client.GetObject(ctx, in)
	if err != nil {
		var noKey *types.NoSuchKey
		var noBucket *types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, NotFoundError{originURL}
		}
		return nil, fmt.Errorf("Open[%s]: %w", originURL, err)
	}
	length := int64(-1)
	if out.ContentLength != nil {
		length = *out.ContentLength
	}
	return &AssetStream{
		Body:          out.Body,
		ContentLength: length,
		ContentType:   aws.ToString(out.ContentType),
		ContentRange:  aws.ToString(out.ContentRange),
		Filename:      filenameFor(originURL, aws.ToString(out.ContentDisposition)),
	}, nil
}

// DownloadFile writes the object at originURL into localPath through the
// concurrent transfer manager.
func (p *S3Provider) DownloadFile(ctx context.Context, originURL, localPath string) error {
	bucket, key, err := parseS3URL(originURL)
	if err != nil {
		return err
	}
	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("DownloadFile.Create[%s]: %w", localPath, err)
	}
	defer file.Close()

	downloader := manager.NewDownloader(p.client, func(d *manager.Downloader) {
		d.PartSize = 10 * 1024 * 1024 // 10MB per part
	})
	if _, err := downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return NotFoundError{originURL}
		}
		return fmt.Errorf("DownloadFile[%s]: %w", originURL, err)
	}
	return nil
}

// List returns the object URLs under an s3:// prefix, for assets that point
// at a whole product directory
func (p *S3Provider) List(ctx context.Context, originURL string) ([]string, error) {
	bucket, prefix, err := parseS3URL(originURL)
	if err != nil {
		return nil, err
	}
	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(strings.TrimSuffix(prefix, "/") + "/"),
	})
	var urls []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("List[%s]: %w", originURL, err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			urls = append(urls, "s3://"+bucket+"/"+key)
		}
	}
	if len(urls) == 0 {
		return nil, NotFoundError{originURL}
	}
	return urls, nil
}
