//go:build integration

package transport

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/onkernel/kernel-images/server/lib/fspipe/protocol"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startMinio boots a throwaway MinIO container and returns an S3Config pointed at it,
// exercising the S3 backend against a real S3-compatible API instead of a mock.
func startMinio(t *testing.T) S3Config {
	t.Helper()
	ctx := context.Background()

	const accessKey = "fspipeminio"
	const secretKey = "fspipeminiosecret"

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     accessKey,
				"MINIO_ROOT_PASSWORD": secretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "9000")
	require.NoError(t, err)

	endpoint := "http://" + host + ":" + port.Port()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	require.NoError(t, err)

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("fspipe-test")})
	require.NoError(t, err)

	return S3Config{
		Endpoint:        endpoint,
		Bucket:          "fspipe-test",
		AccessKeyID:     accessKey,
		SecretAccessKey: secretKey,
		Region:          "us-east-1",
	}
}

func TestS3ClientWritesFileAgainstRealMinio(t *testing.T) {
	cfg := startMinio(t)

	client, err := NewS3Client(cfg)
	require.NoError(t, err)
	require.NoError(t, client.Connect())
	defer client.Close()

	const fileID = "file-1"
	require.NoError(t, client.Send(protocol.MsgFileCreate, &protocol.FileCreate{
		FileID:   fileID,
		Filename: "recordings/clip.ivf",
		Mode:     0o644,
	}))

	payload := []byte("hello from fspipe over s3")
	respType, respData, err := client.SendAndReceive(protocol.MsgWriteChunk, &protocol.WriteChunk{
		FileID: fileID,
		Offset: 0,
		Data:   payload,
	})
	require.NoError(t, err)
	require.Equal(t, protocol.MsgWriteAck, respType)

	var ack protocol.WriteAck
	require.NoError(t, protocol.DecodePayload(respData, &ack))
	require.Empty(t, ack.Error)
	require.Equal(t, len(payload), ack.Written)

	require.NoError(t, client.Send(protocol.MsgFileClose, &protocol.FileClose{FileID: fileID}))
}
