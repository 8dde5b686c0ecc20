// Package warmup runs the startup procedure that walks the repository's
// expected directory skeleton and populates the metadata cache before the
// HTTP listener accepts traffic.
package warmup

import (
	"context"
	"fmt"
	"time"

	"resticgw/internal/cloudtypes"
	"resticgw/internal/gwerr"
	"resticgw/internal/gwlog"
	"resticgw/internal/model"
)

// hexPrefixes are the 256 second-level directories under data/. Warmup
// resolves every one through EnsurePath, which creates any that do not exist
// yet, so listings never have to distinguish "empty" from "not yet warmed".
var hexPrefixes = buildHexPrefixes()

func buildHexPrefixes() []string {
	const digits = "0123456789abcdef"
	prefixes := make([]string, 0, 256)
	for _, hi := range digits {
		for _, lo := range digits {
			prefixes = append(prefixes, string(hi)+string(lo))
		}
	}
	return prefixes
}

// cloudLister is the subset of cloud.Client warmup needs — narrowed to an
// interface so tests can drive it with a stub instead of a real HTTP round
// trip.
type cloudLister interface {
	EnsurePath(ctx context.Context, path string) (int64, error)
	ListChildren(ctx context.Context, parentID int64) ([]cloudtypes.FileInfo, error)
}

// cacheStore is the subset of metacache.Store warmup needs.
type cacheStore interface {
	HasChildren(parentID int64) (bool, error)
	ReplaceChildren(parentID int64, nodes []*model.FileNode) error
}

// Options configures a warmup run.
type Options struct {
	RepoPath          string
	ForceCacheRebuild bool
}

// Run walks root → each type directory → (for data) each 00..ff prefix, in
// that fixed order, populating store from cloud. If ForceCacheRebuild is
// false, a directory already holding rows is skipped (has_children
// short-circuit), making an interrupted warmup resumable across restarts.
// Any listing failure after the cloud client's own retries aborts the whole
// run.
func Run(ctx context.Context, cloud cloudLister, store cacheStore, log gwlog.Logger, opts Options) error {
	if log == nil {
		log = gwlog.NewNopLogger()
	}
	start := time.Now()
	log.Info("cache warmup starting", "repo_path", opts.RepoPath, "force_rebuild", opts.ForceCacheRebuild)

	rootID, err := cloud.EnsurePath(ctx, opts.RepoPath)
	if err != nil {
		return gwerr.Wrap(gwerr.KindUpstream, "resolving repository root during warmup", err)
	}

	if err := warmDirectory(ctx, cloud, store, log, rootID, opts.ForceCacheRebuild); err != nil {
		return err
	}

	for _, fileType := range cloudtypes.AllDirTypes {
		typePath := opts.RepoPath + "/" + fileType.Dirname()
		typeID, err := cloud.EnsurePath(ctx, typePath)
		if err != nil {
			return gwerr.Wrap(gwerr.KindUpstream, fmt.Sprintf("resolving %s directory during warmup", fileType.Dirname()), err)
		}
		if err := warmDirectory(ctx, cloud, store, log, typeID, opts.ForceCacheRebuild); err != nil {
			return err
		}

		if fileType == cloudtypes.TypeData {
			if err := warmDataPrefixes(ctx, cloud, store, log, typePath, typeID, opts.ForceCacheRebuild); err != nil {
				return err
			}
		}
	}

	log.Info("cache warmup complete", "elapsed", time.Since(start))
	return nil
}

func warmDataPrefixes(ctx context.Context, cloud cloudLister, store cacheStore, log gwlog.Logger, dataPath string, dataID int64, force bool) error {
	for _, prefix := range hexPrefixes {
		prefixPath := dataPath + "/" + prefix
		prefixID, err := cloud.EnsurePath(ctx, prefixPath)
		if err != nil {
			return gwerr.Wrap(gwerr.KindUpstream, fmt.Sprintf("resolving data/%s during warmup", prefix), err)
		}
		if err := warmDirectory(ctx, cloud, store, log, prefixID, force); err != nil {
			return err
		}
	}
	_ = dataID
	return nil
}

// warmDirectory lists dirID's children remotely and replaces the cache's
// view of them, unless force is false and the directory already has rows
// (the resumability short-circuit).
func warmDirectory(ctx context.Context, cloud cloudLister, store cacheStore, log gwlog.Logger, dirID int64, force bool) error {
	if !force {
		has, err := store.HasChildren(dirID)
		if err != nil {
			return gwerr.Wrap(gwerr.KindCache, "checking warmup resume state", err)
		}
		if has {
			log.Debug("warmup skipping already-populated directory", "dir_id", dirID)
			return nil
		}
	}

	children, err := cloud.ListChildren(ctx, dirID)
	if err != nil {
		return gwerr.Wrap(gwerr.KindUpstream, "listing directory during warmup", err)
	}

	now := time.Now()
	nodes := make([]*model.FileNode, 0, len(children))
	for _, f := range children {
		nodes = append(nodes, &model.FileNode{
			FileID:    f.FileID,
			ParentID:  dirID,
			Name:      f.Filename,
			IsDir:     f.IsDir(),
			Size:      f.Size,
			Etag:      f.Etag,
			UpdatedAt: now,
		})
	}

	if err := store.ReplaceChildren(dirID, nodes); err != nil {
		return gwerr.Wrap(gwerr.KindCache, "storing warmed directory contents", err)
	}

	log.Debug("warmed directory", "dir_id", dirID, "children", len(nodes))
	return nil
}
