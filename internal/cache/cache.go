// Package cache maintains the local sqlite mirror of the remote media
// library: folder tree, per-file metadata from ffprobe, and per-folder
// aggregates so browsing never touches the remote.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sharkoder/sharkoder/internal/ffmpeg"
	"github.com/sharkoder/sharkoder/internal/log"
	"github.com/sharkoder/sharkoder/internal/metrics"
	"github.com/sharkoder/sharkoder/internal/remotefs"
	"github.com/sharkoder/sharkoder/internal/sqlitedb"
)

// DefaultProbeWorkers bounds concurrent metadata probes during full
// indexation.
const DefaultProbeWorkers = 10

// videoExtensions gates which remote files enter the cache at all.
var videoExtensions = map[string]bool{
	".mkv": true, ".mp4": true, ".m4v": true, ".avi": true,
	".mov": true, ".ts": true, ".m2ts": true, ".wmv": true,
	".webm": true, ".mpg": true, ".mpeg": true,
}

// IsVideo reports whether a file name carries a recognized video
// extension. Backup copies are never treated as library content.
func IsVideo(name string) bool {
	if isBackupName(name) {
		return false
	}
	return videoExtensions[strings.ToLower(path.Ext(name))]
}

// isBackupName recognizes the server-side .bak siblings the upload stage
// leaves behind. They mirror real library files and would double every
// search hit, so the cache ignores them entirely.
func isBackupName(name string) bool {
	return strings.Contains(name, ".bak.")
}

// MetadataProber probes a remote file for stream metadata. The daemon
// wires an implementation that reaches the file over HTTP.
type MetadataProber interface {
	ProbeRemote(ctx context.Context, remotePath string) (*ffmpeg.ProbeResult, error)
}

// FolderEntry is one directory in a merged listing. FileCount and
// VideoCount cover direct children; TotalSize and TotalDuration are
// cumulative over the subtree.
type FolderEntry struct {
	Path          string
	Name          string
	FileCount     int64
	VideoCount    int64
	TotalSize     int64
	TotalDuration float64
	LastSync      time.Time
}

// FileEntry is one cached file with whatever metadata the probe yielded.
type FileEntry struct {
	Path        string
	Name        string
	Size        int64
	ModTime     time.Time
	IsVideo     bool
	Probed      bool
	ProbeFailed bool
	Codec       string
	Width       int
	Height      int
	Resolution  string
	Duration    float64
	Bitrate     int64
	AudioCount  int
}

// Filters narrows a search.
type Filters struct {
	Codec      string
	Resolution string
	MinSize    int64
	VideoOnly  bool
}

// IndexStats summarizes a full indexation run.
type IndexStats struct {
	Folders     int
	Files       int
	Videos      int
	Probed      int
	ProbeFailed int
	Elapsed     time.Duration
}

// Cache is the metadata store. A single writer mutex serializes all
// mutations; sqlite handles concurrent readers via WAL.
type Cache struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open creates or opens the cache database and applies the schema.
func Open(dbPath string) (*Cache, error) {
	db, err := sqlitedb.Open(dbPath, sqlitedb.DefaultConfig())
	if err != nil {
		return nil, err
	}
	c := &Cache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) Close() error { return c.db.Close() }

func (c *Cache) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS folders (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	path           TEXT NOT NULL UNIQUE,
	parent_id      INTEGER REFERENCES folders(id) ON DELETE CASCADE,
	file_count     INTEGER NOT NULL DEFAULT 0,
	video_count    INTEGER NOT NULL DEFAULT 0,
	total_size     INTEGER NOT NULL DEFAULT 0,
	total_duration REAL NOT NULL DEFAULT 0,
	last_sync      INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS files (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	folder_id    INTEGER NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	name         TEXT NOT NULL,
	size         INTEGER NOT NULL,
	mtime        INTEGER NOT NULL,
	is_video     INTEGER NOT NULL DEFAULT 1,
	probed       INTEGER NOT NULL DEFAULT 0,
	probe_failed INTEGER NOT NULL DEFAULT 0,
	codec        TEXT NOT NULL DEFAULT '',
	width        INTEGER NOT NULL DEFAULT 0,
	height       INTEGER NOT NULL DEFAULT 0,
	resolution   TEXT NOT NULL DEFAULT '',
	duration     REAL NOT NULL DEFAULT 0,
	bitrate      INTEGER NOT NULL DEFAULT 0,
	audio_count  INTEGER NOT NULL DEFAULT 0,
	UNIQUE (folder_id, name)
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_name ON files(name);
CREATE INDEX IF NOT EXISTS idx_files_folder ON files(folder_id);
`
	_, err := c.db.Exec(schema)
	return err
}

const (
	metaLastFullScan        = "last_full_scan"
	metaLastIncrementalSync = "last_incremental_sync"
)

func (c *Cache) setMeta(key string, t time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.db.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, t.Unix())
	return err
}

func (c *Cache) metaTime(key string) (time.Time, error) {
	var v int64
	err := c.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(v, 0), nil
}

// SyncTimes reports when the cache last completed a full scan and an
// incremental sync. A zero time means never.
func (c *Cache) SyncTimes() (fullScan, incremental time.Time, err error) {
	if fullScan, err = c.metaTime(metaLastFullScan); err != nil {
		return
	}
	incremental, err = c.metaTime(metaLastIncrementalSync)
	return
}

// pendingProbe is one file discovered during exploration that still
// needs metadata.
type pendingProbe struct {
	fileID int64
	path   string
}

// FullIndex rebuilds the cache from the remote tree. Exploration is
// single-threaded (remote listings are cheap and a serial walk keeps
// parent rows ahead of children); probing fans out to workers. Files
// already cached with unchanged size and mtime keep their metadata and
// are not re-probed.
func (c *Cache) FullIndex(ctx context.Context, remote remotefs.Remote, root string, prober MetadataProber, workers int) (IndexStats, error) {
	logger := log.WithComponent("cache")
	start := time.Now()
	if workers <= 0 {
		workers = DefaultProbeWorkers
	}

	var stats IndexStats
	var queue []pendingProbe
	seen := make(map[string]bool)

	type dirItem struct {
		path string
		id   int64
	}
	rootID, err := c.upsertFolder(root, sql.NullInt64{})
	if err != nil {
		return stats, err
	}
	todo := []dirItem{{path: root, id: rootID}}
	seen[root] = true

	for len(todo) > 0 {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		item := todo[0]
		todo = todo[1:]
		stats.Folders++

		entries, err := remote.List(ctx, item.path)
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldRemotePath, item.path).Msg("list failed during indexation")
			continue
		}
		presentFiles := make(map[string]bool)
		for _, e := range entries {
			full := path.Join(item.path, e.Name)
			if e.Dir {
				id, err := c.upsertFolder(full, sql.NullInt64{Int64: item.id, Valid: true})
				if err != nil {
					return stats, err
				}
				seen[full] = true
				todo = append(todo, dirItem{path: full, id: id})
				continue
			}
			if isBackupName(e.Name) {
				continue
			}
			// Non-video files land immediately and never probe; only
			// videos enter the probe queue.
			video := IsVideo(e.Name)
			fileID, needsProbe, err := c.upsertFile(item.id, e, video)
			if err != nil {
				return stats, err
			}
			presentFiles[e.Name] = true
			stats.Files++
			if video {
				stats.Videos++
			}
			if needsProbe {
				queue = append(queue, pendingProbe{fileID: fileID, path: full})
			}
		}
		// Rows are reused across runs so unchanged files keep their probe
		// metadata; the price is pruning vanished files by hand.
		if err := c.pruneFolderFiles(item.id, presentFiles); err != nil {
			return stats, err
		}
	}

	if err := c.pruneMissing(seen); err != nil {
		return stats, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	var probeMu sync.Mutex
	for _, p := range queue {
		g.Go(func() error {
			info, err := prober.ProbeRemote(gctx, p.path)
			probeMu.Lock()
			if err != nil {
				stats.ProbeFailed++
			} else {
				stats.Probed++
			}
			probeMu.Unlock()
			// A failed probe is recorded, not retried: the row stays
			// visible with empty metadata.
			return c.storeProbe(p.fileID, info)
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	if err := c.recomputeAggregates(); err != nil {
		return stats, err
	}
	now := time.Now()
	if err := c.stampSynced(now); err != nil {
		return stats, err
	}
	if err := c.setMeta(metaLastFullScan, now); err != nil {
		return stats, err
	}

	stats.Elapsed = time.Since(start)
	metrics.IndexDuration.Observe(stats.Elapsed.Seconds())
	logger.Info().
		Int("folders", stats.Folders).
		Int("files", stats.Files).
		Int("videos", stats.Videos).
		Int("probed", stats.Probed).
		Int("probe_failed", stats.ProbeFailed).
		Dur("elapsed", stats.Elapsed).
		Msg("full indexation complete")
	return stats, nil
}

// SyncFolder refreshes a folder subtree from the remote: new files appear
// without metadata, changed files drop their stale metadata, vanished
// rows go away, and every child directory still on the server is synced
// the same way, cached or not. Aggregates are not recomputed; the next
// full indexation settles them.
func (c *Cache) SyncFolder(ctx context.Context, remote remotefs.Remote, folderPath string) error {
	if err := c.syncFolder(ctx, remote, folderPath); err != nil {
		return err
	}
	return c.setMeta(metaLastIncrementalSync, time.Now())
}

func (c *Cache) syncFolder(ctx context.Context, remote remotefs.Remote, folderPath string) error {
	folderID, err := c.folderID(folderPath)
	if err != nil {
		return err
	}

	entries, err := remote.List(ctx, folderPath)
	if err != nil {
		return err
	}

	known, err := c.folderFiles(folderID)
	if err != nil {
		return err
	}
	knownDirs, err := c.childFolders(folderID)
	if err != nil {
		return err
	}

	present := make(map[string]bool)
	var childDirs []string
	for _, e := range entries {
		full := path.Join(folderPath, e.Name)
		if e.Dir {
			present[e.Name] = true
			if !knownDirs[e.Name] {
				if _, err := c.upsertFolder(full, sql.NullInt64{Int64: folderID, Valid: true}); err != nil {
					return err
				}
			}
			childDirs = append(childDirs, full)
			continue
		}
		if isBackupName(e.Name) {
			continue
		}
		present[e.Name] = true
		if _, _, err := c.upsertFile(folderID, e, IsVideo(e.Name)); err != nil {
			return err
		}
	}

	for name := range known {
		if !present[name] {
			if err := c.deleteFile(folderID, name); err != nil {
				return err
			}
		}
	}
	for name := range knownDirs {
		if !present[name] {
			if err := c.deleteFolder(path.Join(folderPath, name)); err != nil {
				return err
			}
		}
	}

	// Recurse into every surviving child, not only the new ones: a file
	// dropped three levels down still has to surface from a sync at the
	// top.
	for _, d := range childDirs {
		if err := c.syncFolder(ctx, remote, d); err != nil {
			return err
		}
	}

	c.writeMu.Lock()
	_, err = c.db.Exec(`UPDATE folders SET last_sync = ? WHERE id = ?`, time.Now().Unix(), folderID)
	c.writeMu.Unlock()
	return err
}

// List returns the listing of one directory: cached child folders with
// their aggregates and cached files with their metadata, merged with a
// live remote listing so entries created since the last indexation show
// up immediately. With a nil remote, or when the remote is unreachable,
// the cached rows stand alone.
func (c *Cache) List(ctx context.Context, remote remotefs.Remote, dirPath string) ([]FolderEntry, []FileEntry, error) {
	dirs, files, cacheErr := c.listCached(dirPath)
	if remote == nil {
		return dirs, files, cacheErr
	}

	entries, err := remote.List(ctx, dirPath)
	if err != nil {
		if cacheErr != nil {
			return nil, nil, cacheErr
		}
		// Remote down: the cache still serves the browse.
		return dirs, files, nil
	}

	haveDir := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		haveDir[d.Name] = true
	}
	haveFile := make(map[string]bool, len(files))
	for _, f := range files {
		haveFile[f.Name] = true
	}
	for _, e := range entries {
		if e.Dir {
			if !haveDir[e.Name] {
				dirs = append(dirs, FolderEntry{Path: path.Join(dirPath, e.Name), Name: e.Name})
			}
			continue
		}
		if isBackupName(e.Name) || haveFile[e.Name] {
			continue
		}
		files = append(files, FileEntry{
			Path:    path.Join(dirPath, e.Name),
			Name:    e.Name,
			Size:    e.Size,
			ModTime: e.ModTime,
			IsVideo: IsVideo(e.Name),
		})
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return dirs, files, nil
}

// listCached reads one directory from the cache alone.
func (c *Cache) listCached(dirPath string) ([]FolderEntry, []FileEntry, error) {
	folderID, err := c.folderID(dirPath)
	if err != nil {
		return nil, nil, err
	}

	rows, err := c.db.Query(`
		SELECT path, file_count, video_count, total_size, total_duration, last_sync
		FROM folders WHERE parent_id = ?`, folderID)
	if err != nil {
		return nil, nil, err
	}
	var dirs []FolderEntry
	for rows.Next() {
		var f FolderEntry
		var lastSync int64
		if err := rows.Scan(&f.Path, &f.FileCount, &f.VideoCount, &f.TotalSize, &f.TotalDuration, &lastSync); err != nil {
			rows.Close()
			return nil, nil, err
		}
		f.Name = path.Base(f.Path)
		if lastSync > 0 {
			f.LastSync = time.Unix(lastSync, 0)
		}
		dirs = append(dirs, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	files, err := c.queryFiles(`WHERE f.folder_id = ?`, folderID)
	if err != nil {
		return nil, nil, err
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return dirs, files, nil
}

// Search finds files whose full path contains the query,
// case-insensitively, narrowed by filters. Matching the joined path
// covers both the file name and every ancestor directory name.
func (c *Cache) Search(query string, filters Filters) ([]FileEntry, error) {
	where := []string{"instr(lower(d.path || '/' || f.name), lower(?)) > 0"}
	args := []any{query}
	if filters.Codec != "" {
		where = append(where, "f.codec = ?")
		args = append(args, filters.Codec)
	}
	if filters.Resolution != "" {
		where = append(where, "f.resolution = ?")
		args = append(args, filters.Resolution)
	}
	if filters.MinSize > 0 {
		where = append(where, "f.size >= ?")
		args = append(args, filters.MinSize)
	}
	if filters.VideoOnly {
		where = append(where, "f.is_video = 1")
	}
	files, err := c.queryFiles("WHERE "+strings.Join(where, " AND "), args...)
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// FolderAggregates is the precomputed summary row of one folder, read
// back in O(1). Counts cover direct children; size and duration are
// cumulative over the subtree.
type FolderAggregates struct {
	FileCount     int64
	VideoCount    int64
	TotalSize     int64
	TotalDuration float64
}

// FolderStats reads the precomputed aggregates for one folder.
func (c *Cache) FolderStats(dirPath string) (FolderAggregates, error) {
	var agg FolderAggregates
	err := c.db.QueryRow(`
		SELECT file_count, video_count, total_size, total_duration
		FROM folders WHERE path = ?`, dirPath).
		Scan(&agg.FileCount, &agg.VideoCount, &agg.TotalSize, &agg.TotalDuration)
	if errors.Is(err, sql.ErrNoRows) {
		return agg, fmt.Errorf("folder not cached: %s", dirPath)
	}
	return agg, err
}

// File returns one cached file by full remote path, or nil when the path
// is not cached.
func (c *Cache) File(remotePath string) (*FileEntry, error) {
	files, err := c.queryFiles(`WHERE d.path = ? AND f.name = ?`,
		path.Dir(remotePath), path.Base(remotePath))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}
	return &files[0], nil
}

func (c *Cache) folderID(p string) (int64, error) {
	var id int64
	err := c.db.QueryRow(`SELECT id FROM folders WHERE path = ?`, p).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("folder not cached: %s", p)
	}
	return id, err
}

func (c *Cache) upsertFolder(p string, parent sql.NullInt64) (int64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.db.Exec(`
		INSERT INTO folders (path, parent_id) VALUES (?, ?)
		ON CONFLICT(path) DO NOTHING`, p, parent)
	if err != nil {
		return 0, err
	}
	var id int64
	err = c.db.QueryRow(`SELECT id FROM folders WHERE path = ?`, p).Scan(&id)
	return id, err
}

// upsertFile inserts or refreshes one file row. It reports whether the
// row needs a (re-)probe: new videos always do, known videos only when
// size or mtime moved. Non-video rows never probe.
func (c *Cache) upsertFile(folderID int64, e remotefs.Entry, isVideo bool) (int64, bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var id, size, mtime int64
	var probed bool
	err := c.db.QueryRow(`
		SELECT id, size, mtime, probed FROM files WHERE folder_id = ? AND name = ?`,
		folderID, e.Name).Scan(&id, &size, &mtime, &probed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := c.db.Exec(`
			INSERT INTO files (folder_id, name, size, mtime, is_video) VALUES (?, ?, ?, ?, ?)`,
			folderID, e.Name, e.Size, e.ModTime.Unix(), isVideo)
		if err != nil {
			return 0, false, err
		}
		id, err = res.LastInsertId()
		return id, isVideo, err
	case err != nil:
		return 0, false, err
	}

	if size == e.Size && mtime == e.ModTime.Unix() {
		return id, isVideo && !probed, nil
	}
	// Content changed: stale metadata goes with the update.
	_, err = c.db.Exec(`
		UPDATE files SET size = ?, mtime = ?, is_video = ?, probed = 0, probe_failed = 0,
			codec = '', width = 0, height = 0, resolution = '',
			duration = 0, bitrate = 0, audio_count = 0
		WHERE id = ?`, e.Size, e.ModTime.Unix(), isVideo, id)
	return id, isVideo, err
}

// storeProbe records probe output, or marks the row probe-failed when
// info is nil.
func (c *Cache) storeProbe(fileID int64, info *ffmpeg.ProbeResult) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if info == nil {
		_, err := c.db.Exec(`UPDATE files SET probed = 1, probe_failed = 1 WHERE id = ?`, fileID)
		return err
	}
	_, err := c.db.Exec(`
		UPDATE files SET probed = 1, probe_failed = 0,
			codec = ?, width = ?, height = ?, resolution = ?,
			duration = ?, bitrate = ?, audio_count = ?
		WHERE id = ?`,
		info.Codec, info.Width, info.Height,
		ffmpeg.ResolutionBucket(info.Width, info.Height),
		info.Duration, info.Bitrate, len(info.AudioStreams), fileID)
	return err
}

func (c *Cache) deleteFile(folderID int64, name string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.db.Exec(`DELETE FROM files WHERE folder_id = ? AND name = ?`, folderID, name)
	return err
}

func (c *Cache) deleteFolder(p string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// Path-prefix delete reaches the whole subtree in one statement;
	// the files go via the cascade.
	_, err := c.db.Exec(`DELETE FROM folders WHERE path = ? OR path LIKE ? || '/%'`, p, p)
	return err
}

// pruneFolderFiles removes cached files of one folder that the current
// server listing no longer contains.
func (c *Cache) pruneFolderFiles(folderID int64, keep map[string]bool) error {
	known, err := c.folderFiles(folderID)
	if err != nil {
		return err
	}
	for name := range known {
		if !keep[name] {
			if err := c.deleteFile(folderID, name); err != nil {
				return err
			}
		}
	}
	return nil
}

// pruneMissing removes folders the full walk did not see, taking their
// files with them.
func (c *Cache) pruneMissing(seen map[string]bool) error {
	rows, err := c.db.Query(`SELECT path FROM folders`)
	if err != nil {
		return err
	}
	var gone []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return err
		}
		if !seen[p] {
			gone = append(gone, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, p := range gone {
		if err := c.deleteFolder(p); err != nil {
			return err
		}
	}
	return nil
}

// recomputeAggregates refreshes every folder's summary row: direct file
// and video counts, plus cumulative size and video duration rolled up
// the tree, deepest folders first so every parent sees settled children.
func (c *Cache) recomputeAggregates() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	rows, err := c.db.Query(`SELECT id, path, parent_id FROM folders`)
	if err != nil {
		return err
	}
	type folder struct {
		id     int64
		path   string
		parent sql.NullInt64
	}
	var folders []folder
	for rows.Next() {
		var f folder
		if err := rows.Scan(&f.id, &f.path, &f.parent); err != nil {
			rows.Close()
			return err
		}
		folders = append(folders, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	sort.Slice(folders, func(i, j int) bool {
		return strings.Count(folders[i].path, "/") > strings.Count(folders[j].path, "/")
	})

	sizes := make(map[int64]int64, len(folders))
	durations := make(map[int64]float64, len(folders))
	for _, f := range folders {
		var cnt, vcnt, size int64
		var dur float64
		err := c.db.QueryRow(`
			SELECT COUNT(*),
			       COALESCE(SUM(is_video), 0),
			       COALESCE(SUM(size), 0),
			       COALESCE(SUM(CASE WHEN is_video = 1 THEN duration ELSE 0 END), 0)
			FROM files WHERE folder_id = ?`, f.id).
			Scan(&cnt, &vcnt, &size, &dur)
		if err != nil {
			return err
		}
		sizes[f.id] += size
		durations[f.id] += dur
		if f.parent.Valid && f.parent.Int64 != f.id {
			sizes[f.parent.Int64] += sizes[f.id]
			durations[f.parent.Int64] += durations[f.id]
		}
		if _, err := c.db.Exec(`
			UPDATE folders SET file_count = ?, video_count = ?, total_size = ?, total_duration = ?
			WHERE id = ?`,
			cnt, vcnt, sizes[f.id], durations[f.id], f.id); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) stampSynced(t time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.db.Exec(`UPDATE folders SET last_sync = ?`, t.Unix())
	return err
}

func (c *Cache) folderFiles(folderID int64) (map[string]bool, error) {
	rows, err := c.db.Query(`SELECT name FROM files WHERE folder_id = ?`, folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out[n] = true
	}
	return out, rows.Err()
}

func (c *Cache) childFolders(folderID int64) (map[string]bool, error) {
	rows, err := c.db.Query(`SELECT path FROM folders WHERE parent_id = ?`, folderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[path.Base(p)] = true
	}
	return out, rows.Err()
}

func (c *Cache) queryFiles(where string, args ...any) ([]FileEntry, error) {
	rows, err := c.db.Query(`
		SELECT d.path, f.name, f.size, f.mtime, f.is_video, f.probed, f.probe_failed,
		       f.codec, f.width, f.height, f.resolution, f.duration,
		       f.bitrate, f.audio_count
		FROM files f JOIN folders d ON d.id = f.folder_id `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FileEntry
	for rows.Next() {
		var f FileEntry
		var dir string
		var mtime int64
		if err := rows.Scan(&dir, &f.Name, &f.Size, &mtime, &f.IsVideo, &f.Probed, &f.ProbeFailed,
			&f.Codec, &f.Width, &f.Height, &f.Resolution, &f.Duration,
			&f.Bitrate, &f.AudioCount); err != nil {
			return nil, err
		}
		f.Path = path.Join(dir, f.Name)
		f.ModTime = time.Unix(mtime, 0)
		out = append(out, f)
	}
	return out, rows.Err()
}
