package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"
)

// Archiver stores run reports as JSON objects under bucket/prefix
type Archiver struct {
	client Client
	bucket string
	prefix string
}

// NewArchiver creates an archiver writing through client
func NewArchiver(client Client, bucket, prefix string) *Archiver {
	return &Archiver{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Key returns the object key of the report of runID started at startedAt
func (a *Archiver) Key(runID string, startedAt time.Time) string {
	return path.Join(a.prefix, startedAt.UTC().Format("2006/01/02"), runID+".json")
}

// Archive uploads report and returns the stored object's info
func (a *Archiver) Archive(ctx context.Context, runID string, startedAt time.Time, report any) (ObjectInfo, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to encode report: %w", err)
	}

	key := a.Key(runID, startedAt)
	err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"run-id": runID},
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to upload report %s: %w", key, err)
	}

	info, err := a.client.HeadObject(ctx, a.bucket, key)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to verify report %s: %w", key, err)
	}
	if info.Size != int64(len(data)) {
		return info, fmt.Errorf("report %s stored with %d bytes, expected %d", key, info.Size, len(data))
	}
	return info, nil
}

// List returns the archived reports, newest first
func (a *Archiver) List(ctx context.Context) ([]ObjectInfo, error) {
	prefix := a.prefix
	if prefix != "" {
		prefix += "/"
	}
	objCh, errCh := a.client.ListObjects(ctx, a.bucket, prefix)

	var reports []ObjectInfo
	for {
		select {
		case obj, ok := <-objCh:
			if !ok {
				sort.Slice(reports, func(i, j int) bool {
					return reports[i].LastModified.After(reports[j].LastModified)
				})
				return reports, nil
			}
			if strings.HasSuffix(obj.Key, ".json") {
				reports = append(reports, obj)
			}

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("error listing reports: %w", err)
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
