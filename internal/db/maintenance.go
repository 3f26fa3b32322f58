package db

import (
	"context"
	"fmt"
	"os"

	apperrors "github.com/kimhsiao/learnsync/core/internal/errors"
)

// CompactPagesPerStep bounds the pages freed by one incremental_vacuum call,
// so the write lock is released between steps.
const CompactPagesPerStep = 256

// CompactResult reports what one Compact run did.
type CompactResult struct {
	CacheSwept int64 `json:"cache_swept"`
	PagesFreed int64 `json:"pages_freed"`
	SizeBefore int64 `json:"size_before"`
	SizeAfter  int64 `json:"size_after"`
}

// Compact sweeps expired cache entries, returns free pages to the filesystem
// in bounded steps, truncates the WAL and refreshes query planner statistics.
func (r *Repository) Compact(ctx context.Context) (*CompactResult, error) {
	res := &CompactResult{}
	res.SizeBefore, _ = r.Size(ctx)

	swept, err := r.SweepExpiredCache(ctx)
	if err != nil {
		return res, err
	}
	res.CacheSwept = swept

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		var free int64
		if err := r.db.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&free); err != nil {
			return res, apperrors.Storage("freelist count", err)
		}
		if free == 0 {
			break
		}
		step := free
		if step > CompactPagesPerStep {
			step = CompactPagesPerStep
		}
		if _, err := r.db.ExecContext(ctx, fmt.Sprintf("PRAGMA incremental_vacuum(%d)", step)); err != nil {
			return res, apperrors.Storage("incremental vacuum", err)
		}
		var after int64
		if err := r.db.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&after); err != nil {
			return res, apperrors.Storage("freelist count", err)
		}
		res.PagesFreed += free - after
		// A database created without auto_vacuum never shrinks its freelist.
		if after >= free {
			break
		}
	}

	var busy, logFrames, checkpointed int
	if err := r.db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &logFrames, &checkpointed); err != nil {
		return res, apperrors.Storage("wal checkpoint", err)
	}
	if _, err := r.db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return res, apperrors.Storage("optimize", err)
	}

	res.SizeAfter, _ = r.Size(ctx)
	return res, nil
}

// Size estimates the on-disk footprint: page_count * page_size plus the WAL file.
func (r *Repository) Size(ctx context.Context) (int64, error) {
	var pages, pageSize int64
	if err := r.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return 0, apperrors.Storage("page count", err)
	}
	if err := r.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, apperrors.Storage("page size", err)
	}
	size := pages * pageSize

	if path := r.mainFile(ctx); path != "" {
		if fi, err := os.Stat(path + "-wal"); err == nil {
			size += fi.Size()
		}
	}
	return size, nil
}

// mainFile returns the main database file path, "" for in-memory databases.
func (r *Repository) mainFile(ctx context.Context) string {
	rows, err := r.db.QueryContext(ctx, "PRAGMA database_list")
	if err != nil {
		return ""
	}
	defer rows.Close()
	for rows.Next() {
		var seq int
		var name, file string
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return ""
		}
		if name == "main" {
			return file
		}
	}
	return ""
}
