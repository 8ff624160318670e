// Package storage moves drawings and analysis results through S3. Source
// drawings may arrive password-encrypted; results written back with a
// password use the same envelope so the uploader can read its own files.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/pbkdf2"
)

const (
	gcmMagic     = "GCM3NCR0"
	pbkdf2Rounds = 100000
)

// Options configures the S3 client. Static keys are optional; when
// empty the default AWS credential chain applies.
type Options struct {
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Client wraps the AWS S3 client with envelope encryption support.
// Transfers go through the s3 transfer manager so large rasters download
// and upload in parallel parts.
type S3Client struct {
	client     *s3.Client
	downloader *manager.Downloader
	uploader   *manager.Uploader
	bucketName string
}

// FileMetadata describes a stored object.
type FileMetadata struct {
	OriginalName string            `json:"original_name"`
	ContentType  string            `json:"content_type"`
	Size         int64             `json:"size"`
	Encrypted    bool              `json:"encrypted"`
	Metadata     map[string]string `json:"metadata"`
}

// NewS3Client creates a new S3 client
func NewS3Client(ctx context.Context, opts Options) (*S3Client, error) {
	loadOpts := []func(*awscfg.LoadOptions) error{}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	return &S3Client{
		client:     client,
		downloader: manager.NewDownloader(client),
		uploader:   manager.NewUploader(client),
		bucketName: opts.Bucket,
	}, nil
}

// DownloadDrawing fetches a source drawing. Encrypted objects are detected
// by magic number and decrypted with the supplied password; everything else
// comes back as stored.
func (s *S3Client) DownloadDrawing(ctx context.Context, key, password string) ([]byte, *FileMetadata, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stat S3 object: %w", err)
	}

	buf := manager.NewWriteAtBuffer(nil)
	if _, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	}); err != nil {
		return nil, nil, fmt.Errorf("failed to download from S3: %w", err)
	}
	data := buf.Bytes()

	metadata := &FileMetadata{Metadata: make(map[string]string)}
	for k, v := range head.Metadata {
		metadata.Metadata[strings.ToLower(k)] = v
	}
	if name, ok := metadata.Metadata["name"]; ok {
		metadata.OriginalName = name
	}
	if head.ContentLength != nil {
		metadata.Size = *head.ContentLength
	}

	if IsEncrypted(data) {
		if password == "" {
			return nil, nil, fmt.Errorf("object %s is encrypted but no password was given", key)
		}
		data, err = decryptGCM(data, password)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to decrypt drawing: %w", err)
		}
		metadata.Encrypted = true
	}

	log.Info().
		Str("key", key).
		Bool("encrypted", metadata.Encrypted).
		Str("original_name", metadata.OriginalName).
		Int("size", len(data)).
		Msg("downloaded drawing from S3")
	return data, metadata, nil
}

// UploadResult writes an analysis result. A non-empty password wraps the
// payload in the same AES-GCM envelope DownloadDrawing understands.
func (s *S3Client) UploadResult(ctx context.Context, key string, data []byte, password string, metadata *FileMetadata) error {
	payload := data
	encrypted := false
	if password != "" {
		var err error
		payload, err = encryptGCM(data, password)
		if err != nil {
			return fmt.Errorf("failed to encrypt result: %w", err)
		}
		encrypted = true
	}

	s3Metadata := map[string]string{
		"encrypted": fmt.Sprintf("%t", encrypted),
	}
	if metadata != nil {
		if metadata.OriginalName != "" {
			s3Metadata["name"] = metadata.OriginalName
		}
		if metadata.ContentType != "" {
			s3Metadata["content-type"] = metadata.ContentType
		}
		for k, v := range metadata.Metadata {
			s3Metadata[k] = v
		}
	}

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(key),
		Body:     bytes.NewReader(payload),
		Metadata: s3Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}

	log.Info().
		Str("key", key).
		Bool("encrypted", encrypted).
		Int("size", len(payload)).
		Msg("uploaded result to S3")
	return nil
}

// IsEncrypted reports whether data carries the GCM envelope magic number.
func IsEncrypted(data []byte) bool {
	return len(data) >= len(gcmMagic) && string(data[:len(gcmMagic)]) == gcmMagic
}

// Envelope format: magic(8) + salt(16) + nonce(12) + ciphertext+tag.
func decryptGCM(encryptedData []byte, password string) ([]byte, error) {
	if len(encryptedData) < 8+16+12+16 {
		return nil, fmt.Errorf("encrypted data too short: %d bytes", len(encryptedData))
	}

	salt := encryptedData[8:24]
	nonce := encryptedData[24:36]
	ciphertext := encryptedData[36:]

	key := pbkdf2.Key([]byte(password), salt, pbkdf2Rounds, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("GCM decryption failed: %w", err)
	}
	return plaintext, nil
}

func encryptGCM(data []byte, password string) ([]byte, error) {
	salt := make([]byte, 16)
	nonce := make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	key := pbkdf2.Key([]byte(password), salt, pbkdf2Rounds, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, data, nil)

	out := make([]byte, 0, len(gcmMagic)+len(salt)+len(nonce)+len(ciphertext))
	out = append(out, gcmMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}
