// Package objstore wraps the S3-compatible object store holding evidence
// snapshots and synthesis result packs.
package objstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Client struct {
	mc *minio.Client
}

func New(endpoint, accessKey, secretKey string, useSSL bool) (*Client, error) {
	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object store client: %w", err)
	}
	return &Client{mc: mc}, nil
}

func (c *Client) GetText(ctx context.Context, bucket, object string) (string, error) {
	obj, err := c.mc.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return "", fmt.Errorf("getting object %s: %w", object, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return "", fmt.Errorf("reading object %s: %w", object, err)
	}
	return string(data), nil
}

func (c *Client) GetJSON(ctx context.Context, bucket, object string, out any) error {
	raw, err := c.GetText(ctx, bucket, object)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decoding object %s: %w", object, err)
	}
	return nil
}

// PutJSONIfAbsent writes payload as JSON only when the object does not exist
// yet. Returns the object path and whether this call created it. The
// existence check keeps the artifact written at most once even if the caller
// is re-entered.
func (c *Client) PutJSONIfAbsent(ctx context.Context, bucket, object string, payload any) (string, bool, error) {
	path := fmt.Sprintf("s3://%s/%s", bucket, object)

	_, err := c.mc.StatObject(ctx, bucket, object, minio.StatObjectOptions{})
	if err == nil {
		return path, false, nil
	}
	var errResp minio.ErrorResponse
	if !errors.As(err, &errResp) || errResp.Code != "NoSuchKey" {
		return "", false, fmt.Errorf("checking object %s: %w", object, err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("encoding object %s: %w", object, err)
	}

	_, err = c.mc.PutObject(ctx, bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", false, fmt.Errorf("writing object %s: %w", object, err)
	}
	return path, true, nil
}
