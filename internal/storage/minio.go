package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"release-coordinator/pkg/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStore keeps rollback snapshots in an object bucket. Layout:
//
//	snapshots/<project>/<environment>/<rollbackId>/metadata.json
//	snapshots/<project>/<environment>/<rollbackId>/files/<name>
type MinIOStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinIOStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("created snapshot bucket", logger.String("bucket", bucket))
	}

	return &MinIOStore{
		client: client,
		bucket: bucket,
	}, nil
}

func snapshotPrefix(projectPath, environment, rollbackID string) string {
	return fmt.Sprintf("snapshots/%s/%s/%s", sanitize(projectPath), environment, rollbackID)
}

// sanitize flattens a filesystem-style project path into one key segment.
func sanitize(projectPath string) string {
	return strings.ReplaceAll(strings.Trim(projectPath, "/"), "/", "_")
}

func (s *MinIOStore) StoreSnapshot(ctx context.Context, projectPath, environment string, meta *SnapshotMeta, files map[string][]byte) error {
	prefix := snapshotPrefix(projectPath, environment, meta.RollbackID)

	for name, data := range files {
		objectName := fmt.Sprintf("%s/files/%s", prefix, name)
		_, err := s.client.PutObject(ctx, s.bucket, objectName,
			bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: "application/octet-stream"})
		if err != nil {
			return fmt.Errorf("failed to store snapshot file %s: %w", name, err)
		}
	}

	// Metadata goes last so a snapshot is only visible once complete.
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot metadata: %w", err)
	}

	objectName := fmt.Sprintf("%s/metadata.json", prefix)
	_, err = s.client.PutObject(ctx, s.bucket, objectName,
		bytes.NewReader(metaJSON), int64(len(metaJSON)),
		minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"rollback-id": meta.RollbackID,
				"created-at":  meta.CreatedAt.Format(time.RFC3339),
			},
		})
	if err != nil {
		return fmt.Errorf("failed to store snapshot metadata: %w", err)
	}

	logger.Info("stored rollback snapshot",
		logger.String("rollback_id", meta.RollbackID),
		logger.Int("files", len(files)))
	return nil
}

func (s *MinIOStore) GetSnapshotMeta(ctx context.Context, projectPath, environment, rollbackID string) (*SnapshotMeta, error) {
	objectName := fmt.Sprintf("%s/metadata.json", snapshotPrefix(projectPath, environment, rollbackID))

	obj, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot metadata: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot metadata: %w", err)
	}

	var meta SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot metadata: %w", err)
	}

	return &meta, nil
}

func (s *MinIOStore) GetSnapshotFile(ctx context.Context, projectPath, environment, rollbackID, name string) ([]byte, error) {
	objectName := fmt.Sprintf("%s/files/%s", snapshotPrefix(projectPath, environment, rollbackID), name)

	obj, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot file: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("failed to read snapshot file: %w", err)
	}

	return data, nil
}

func (s *MinIOStore) ListSnapshots(ctx context.Context, projectPath, environment string) ([]string, error) {
	prefix := fmt.Sprintf("snapshots/%s/%s/", sanitize(projectPath), environment)

	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	type entry struct {
		id      string
		created time.Time
	}
	seen := make(map[string]entry)
	for obj := range objects {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list snapshots: %w", obj.Err)
		}
		if !strings.HasSuffix(obj.Key, "/metadata.json") {
			continue
		}
		rest := strings.TrimPrefix(obj.Key, prefix)
		id := strings.SplitN(rest, "/", 2)[0]
		seen[id] = entry{id: id, created: obj.LastModified}
	}

	entries := make([]entry, 0, len(seen))
	for _, e := range seen {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].created.Before(entries[j].created)
	})

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.id)
	}
	return ids, nil
}

func (s *MinIOStore) DeleteSnapshot(ctx context.Context, projectPath, environment, rollbackID string) error {
	prefix := snapshotPrefix(projectPath, environment, rollbackID) + "/"

	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	for obj := range objects {
		if obj.Err != nil {
			return fmt.Errorf("failed to list snapshot objects: %w", obj.Err)
		}
		if err := s.client.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("failed to delete snapshot object %s: %w", obj.Key, err)
		}
	}

	logger.Info("deleted rollback snapshot", logger.String("rollback_id", rollbackID))
	return nil
}

func (s *MinIOStore) Close() error {
	return nil
}
