package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sshcollectorpro/hopshell/internal/config"
	"github.com/sshcollectorpro/hopshell/pkg/logger"
)

// TranscriptWriter 会话记录归档
type TranscriptWriter interface {
	Write(ctx context.Context, meta TranscriptMeta, content []byte) (StoredObject, error)
}

// TranscriptMeta 归档位置所需的信息
type TranscriptMeta struct {
	BatchID string
	RunID   string
	Target  string
	Started time.Time
}

// StoredObject 已写入的对象
type StoredObject struct {
	URI         string `json:"uri"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"content_type"`
}

const transcriptContentType = "text/plain; charset=utf-8"

// objectPath prefix/target/20060102_150405/batch/run.log
func (m TranscriptMeta) objectPath(prefix string) []string {
	var parts []string
	if p := strings.Trim(strings.TrimSpace(prefix), "/"); p != "" {
		parts = append(parts, p)
	}
	started := m.Started
	if started.IsZero() {
		started = time.Now()
	}
	parts = append(parts, slug(m.Target), started.Format("20060102_150405"))
	if b := strings.TrimSpace(m.BatchID); b != "" {
		parts = append(parts, slug(b))
	}
	return append(parts, slug(m.RunID)+".log")
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// NewTranscriptWriter 根据配置创建写入器；minio 后端不可用时回退到本地
func NewTranscriptWriter(cfg config.TranscriptConfig, minioCfg config.MinioConfig) TranscriptWriter {
	w := &DelegatingTranscriptWriter{
		backend: strings.ToLower(strings.TrimSpace(cfg.Backend)),
		local:   &LocalTranscriptWriter{BaseDir: cfg.BaseDir, Prefix: cfg.Prefix},
	}
	if w.backend == "minio" {
		w.minio = initMinioWriter(minioCfg, cfg.Prefix)
	}
	return w
}

// DelegatingTranscriptWriter 按后端路由写入
type DelegatingTranscriptWriter struct {
	backend string
	local   *LocalTranscriptWriter
	minio   *MinioTranscriptWriter
}

// Write 写入会话记录。回退到本地时同时返回对象和说明回退原因的错误，
// 调用方可以记录错误而不中断流程。
func (w *DelegatingTranscriptWriter) Write(ctx context.Context, meta TranscriptMeta, content []byte) (StoredObject, error) {
	if w.backend != "minio" {
		return w.local.Write(ctx, meta, content)
	}
	if w.minio == nil {
		logger.Warnf("MinIO backend selected but client not initialized; falling back to local")
		obj, lerr := w.local.Write(ctx, meta, content)
		if lerr != nil {
			return StoredObject{}, fmt.Errorf("minio client not initialized; local fallback failed: %w", lerr)
		}
		return obj, fmt.Errorf("minio client not initialized; wrote to local instead")
	}
	obj, err := w.minio.Write(ctx, meta, content)
	if err == nil {
		return obj, nil
	}
	logger.WithField("error", err).Warnf("MinIO write failed; falling back to local")
	local, lerr := w.local.Write(ctx, meta, content)
	if lerr != nil {
		return StoredObject{}, fmt.Errorf("minio write failed: %v; local fallback failed: %w", err, lerr)
	}
	return local, fmt.Errorf("minio write failed: %w; fell back to local successfully", err)
}

// LocalTranscriptWriter 本地文件写入
type LocalTranscriptWriter struct {
	BaseDir string
	Prefix  string
}

// Write 写入 BaseDir 下的文件，权限 0600
func (w *LocalTranscriptWriter) Write(_ context.Context, meta TranscriptMeta, content []byte) (StoredObject, error) {
	baseDir := strings.TrimSpace(w.BaseDir)
	if baseDir == "" {
		baseDir = "./data/transcripts"
	}
	parts := meta.objectPath(w.Prefix)
	dir := filepath.Join(append([]string{baseDir}, parts[:len(parts)-1]...)...)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return StoredObject{}, fmt.Errorf("failed to create dir: %w", err)
	}
	full := filepath.Join(dir, parts[len(parts)-1])
	if err := os.WriteFile(full, content, 0o600); err != nil {
		return StoredObject{}, fmt.Errorf("failed to write file: %w", err)
	}
	return StoredObject{
		URI:         "file://" + full,
		Size:        int64(len(content)),
		Checksum:    checksum(content),
		ContentType: transcriptContentType,
	}, nil
}

// MinioTranscriptWriter MinIO 对象存储写入
type MinioTranscriptWriter struct {
	client   *minio.Client
	endpoint string
	bucket   string
	prefix   string

	mu            sync.Mutex
	bucketEnsured bool
}

// initMinioWriter 创建客户端并尝试确认 bucket；配置不完整时返回 nil
func initMinioWriter(cfg config.MinioConfig, prefix string) *MinioTranscriptWriter {
	host := strings.TrimSpace(cfg.Host)
	if host == "" || cfg.Port <= 0 {
		logger.Warnf("MinIO configuration incomplete; host/port missing")
		return nil
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		logger.Warnf("MinIO bucket not configured")
		return nil
	}
	endpoint := net.JoinHostPort(host, fmt.Sprint(cfg.Port))

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   16,
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.Secure,
		Transport: transport,
	})
	if err != nil {
		logger.WithField("error", err).Errorf("MinIO client initialization failed")
		return nil
	}

	w := &MinioTranscriptWriter{client: client, endpoint: endpoint, bucket: bucket, prefix: prefix}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.ensureBucket(ctx, 1); err != nil {
		logger.WithField("error", err).Warnf("MinIO bucket ensure at init failed")
	}
	return w
}

// Write 写入对象，失败时有限重试
func (w *MinioTranscriptWriter) Write(ctx context.Context, meta TranscriptMeta, content []byte) (StoredObject, error) {
	if w == nil || w.client == nil {
		return StoredObject{}, fmt.Errorf("minio client not initialized")
	}
	if err := w.fastConnectivityCheck(ctx); err != nil {
		return StoredObject{}, fmt.Errorf("minio connectivity failed to %s: %w", w.endpoint, err)
	}
	if err := w.ensureBucket(ctx, 2); err != nil {
		return StoredObject{}, fmt.Errorf("minio ensure bucket failed: %w", err)
	}

	objectName := path.Join(meta.objectPath(w.prefix)...)
	var lastErr error
	for _, wait := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		attemptCtx, cancel := attemptContext(ctx, 10*time.Second)
		_, err := w.client.PutObject(attemptCtx, w.bucket, objectName, bytes.NewReader(content), int64(len(content)),
			minio.PutObjectOptions{ContentType: transcriptContentType})
		cancel()
		if err == nil {
			return StoredObject{
				URI:         "minio://" + path.Join(w.bucket, objectName),
				Size:        int64(len(content)),
				Checksum:    checksum(content),
				ContentType: transcriptContentType,
			}, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return StoredObject{}, fmt.Errorf("minio put object: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	return StoredObject{}, fmt.Errorf("minio put object failed after retries: %w", lastErr)
}

// fastConnectivityCheck 使用 TCP 直连做快速连通性校验
func (w *MinioTranscriptWriter) fastConnectivityCheck(parent context.Context) error {
	d := &net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(parent, "tcp", w.endpoint)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ensureBucket 校验并创建 bucket，成功一次后不再检查
func (w *MinioTranscriptWriter) ensureBucket(parent context.Context, retries int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bucketEnsured {
		return nil
	}
	var lastErr error
	for i := 0; i <= retries; i++ {
		ctx, cancel := attemptContext(parent, 10*time.Second)
		exists, err := w.client.BucketExists(ctx, w.bucket)
		if err == nil && !exists {
			err = w.client.MakeBucket(ctx, w.bucket, minio.MakeBucketOptions{})
		}
		cancel()
		if err == nil {
			w.bucketEnsured = true
			return nil
		}
		lastErr = err
		time.Sleep(time.Duration(i+1) * 500 * time.Millisecond)
	}
	return lastErr
}

// attemptContext 构造限时上下文，尊重父上下文的剩余截止时间
func attemptContext(parent context.Context, prefer time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok {
		if remain := time.Until(deadline); remain < prefer {
			return context.WithCancel(parent)
		}
	}
	return context.WithTimeout(parent, prefer)
}

var slugRe = regexp.MustCompile(`[^a-z0-9._-]+`)

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "/", "_", "\\", "_", "@", "_", ":", "_").Replace(s)
	s = slugRe.ReplaceAllString(s, "")
	s = strings.Trim(s, ".")
	if s == "" {
		s = "unknown"
	}
	return s
}
