// Package resticapi implements the Restic REST v2 protocol surface: routing
// requests onto the metadata cache for reads and onto the cloud client for
// mutations and downloads.
package resticapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"resticgw/internal/cloudtypes"
	"resticgw/internal/gwerr"
	"resticgw/internal/gwlog"
	"resticgw/internal/model"
)

// v2ContentType is the Restic REST v2 content type used for type listings.
// Error responses are plain text (see writeError).
const v2ContentType = "application/vnd.x.restic.rest.v2+json"

// maxRequestBody bounds POST bodies at the provider's own single-shot upload
// ceiling; anything larger is rejected before it is ever read into memory.
const maxRequestBody = 1 << 30 // 1 GiB

// cloudAPI is the subset of cloud.Client the handlers call directly.
type cloudAPI interface {
	TypeDirID(ctx context.Context, fileType cloudtypes.ResticFileType) (int64, error)
	EnsurePath(ctx context.Context, path string) (int64, error)
	UploadObject(ctx context.Context, parentID int64, filename string, data []byte) (fileID int64, etag string, err error)
	DownloadObject(ctx context.Context, fileID int64, rangeHeader string) (body io.ReadCloser, status int, err error)
	DeleteObject(ctx context.Context, fileID int64) error
}

// cacheAPI is the subset of metacache.Store the handlers call directly. All
// reads are served from here; the cache is the single source of truth for
// listings and existence checks.
type cacheAPI interface {
	Lookup(parentID int64, name string) (*model.FileNode, error)
	List(parentID int64, isDir *bool) ([]*model.FileNode, error)
	ListIn(parentIDs []int64, isDir *bool) ([]*model.FileNode, error)
	ResolvePath(segments []string) (int64, bool, error)
	Insert(node *model.FileNode) error
	Delete(fileID int64) error
}

// Handler wires cache reads and cloud-client mutations into the Restic REST
// v2 route table.
type Handler struct {
	cloud    cloudAPI
	cache    cacheAPI
	repoPath string
	log      gwlog.Logger
}

// New constructs a Handler. repoPath is the configured repository root, used
// to resolve the config pseudo-type and to enumerate the data/00..ff
// prefixes during repository creation.
func New(cloud cloudAPI, cache cacheAPI, repoPath string, log gwlog.Logger) *Handler {
	if log == nil {
		log = gwlog.NewNopLogger()
	}
	return &Handler{cloud: cloud, cache: cache, repoPath: repoPath, log: log}
}

// Mux builds the http.ServeMux for every route the gateway serves, using Go
// 1.22's method+wildcard routing patterns.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /{$}", h.createRepository)
	mux.HandleFunc("DELETE /{$}", h.deleteRepository)

	mux.HandleFunc("HEAD /config", h.headConfig)
	mux.HandleFunc("GET /config", h.getConfig)
	mux.HandleFunc("POST /config", h.postConfig)

	mux.HandleFunc("GET /{type}/", h.listFiles)

	mux.HandleFunc("HEAD /{type}/{name}", h.headFile)
	mux.HandleFunc("GET /{type}/{name}", h.getFile)
	mux.HandleFunc("POST /{type}/{name}", h.postFile)
	mux.HandleFunc("DELETE /{type}/{name}", h.deleteFile)

	return mux
}

// writeError translates a classified error into the documented HTTP status
// with a short plain-text body — no JSON error envelope over the
// Restic-facing surface.
func writeError(w http.ResponseWriter, err error) {
	status := gwerr.StatusCode(err)
	http.Error(w, err.Error(), status)
}

// ============================================================================
// Repository operations
// ============================================================================

func (h *Handler) createRepository(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("create") != "true" {
		http.Error(w, "missing create=true parameter", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if _, err := h.cloud.TypeDirID(ctx, cloudtypes.TypeConfig); err != nil {
		writeError(w, err)
		return
	}
	for _, t := range cloudtypes.AllDirTypes {
		if _, err := h.cloud.TypeDirID(ctx, t); err != nil {
			writeError(w, err)
			return
		}
		if t == cloudtypes.TypeData {
			for _, prefix := range hexPrefixes() {
				if _, err := h.cloud.EnsurePath(ctx, fmt.Sprintf("%s/%s/%s", h.repoPath, t.Dirname(), prefix)); err != nil {
					writeError(w, err)
					return
				}
			}
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) deleteRepository(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "repository deletion is not supported", http.StatusNotImplemented)
}

// ============================================================================
// Config operations — config is a single object stored directly under the
// repository root, not under a type directory of its own.
// ============================================================================

func (h *Handler) headConfig(w http.ResponseWriter, r *http.Request) {
	rootID, found, err := h.cachedParentID(cloudtypes.TypeConfig, "config")
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		http.Error(w, "config not found", http.StatusNotFound)
		return
	}
	node, err := h.cache.Lookup(rootID, "config")
	if err != nil {
		writeError(w, err)
		return
	}
	if node == nil {
		http.Error(w, "config not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(node.Size, 10))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	h.getObject(w, r, cloudtypes.TypeConfig, "config")
}

func (h *Handler) postConfig(w http.ResponseWriter, r *http.Request) {
	h.postObject(w, r, cloudtypes.TypeConfig, "config")
}

// ============================================================================
// Type listing
// ============================================================================

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	fileType, ok := cloudtypes.ParseResticFileType(r.PathValue("type"))
	if !ok {
		http.Error(w, fmt.Sprintf("invalid type: %s", r.PathValue("type")), http.StatusBadRequest)
		return
	}
	if fileType.IsConfig() {
		http.Error(w, "use /config for the config object", http.StatusBadRequest)
		return
	}

	isFile := false
	var nodes []*model.FileNode
	var err error
	if fileType == cloudtypes.TypeData {
		prefixIDs := make([]int64, 0, 256)
		for _, prefix := range hexPrefixes() {
			segments := splitPath(fmt.Sprintf("%s/data/%s", h.repoPath, prefix))
			prefixID, found, rerr := h.cache.ResolvePath(segments)
			if rerr != nil {
				writeError(w, gwerr.Wrap(gwerr.KindCache, "resolving data prefix directory", rerr))
				return
			}
			if !found {
				// Not yet warmed — there is nothing under it to list.
				continue
			}
			prefixIDs = append(prefixIDs, prefixID)
		}
		nodes, err = h.cache.ListIn(prefixIDs, &isFile)
	} else {
		typeID, found, rerr := h.cache.ResolvePath(splitPath(typeDirPath(h.repoPath, fileType)))
		if rerr != nil {
			writeError(w, gwerr.Wrap(gwerr.KindCache, "resolving type directory", rerr))
			return
		}
		if !found {
			nodes = nil
		} else {
			nodes, err = h.cache.List(typeID, &isFile)
		}
	}
	if err != nil {
		writeError(w, err)
		return
	}

	entries := make([]fileEntryV2, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, fileEntryV2{Name: n.Name, Size: n.Size})
	}

	body, err := json.Marshal(entries)
	if err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindInternal, "encoding listing", err))
		return
	}

	w.Header().Set("Content-Type", v2ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// fileEntryV2 is the Restic REST v2 listing entry shape.
type fileEntryV2 struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// ============================================================================
// Individual object operations
// ============================================================================

func (h *Handler) headFile(w http.ResponseWriter, r *http.Request) {
	fileType, ok := cloudtypes.ParseResticFileType(r.PathValue("type"))
	if !ok {
		http.Error(w, fmt.Sprintf("invalid type: %s", r.PathValue("type")), http.StatusBadRequest)
		return
	}
	name := r.PathValue("name")

	parentID, found, err := h.cachedParentID(fileType, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		http.Error(w, fmt.Sprintf("%s not found", name), http.StatusNotFound)
		return
	}
	node, err := h.cache.Lookup(parentID, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if node == nil {
		http.Error(w, fmt.Sprintf("%s not found", name), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Length", strconv.FormatInt(node.Size, 10))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) getFile(w http.ResponseWriter, r *http.Request) {
	fileType, ok := cloudtypes.ParseResticFileType(r.PathValue("type"))
	if !ok {
		http.Error(w, fmt.Sprintf("invalid type: %s", r.PathValue("type")), http.StatusBadRequest)
		return
	}
	h.getObject(w, r, fileType, r.PathValue("name"))
}

// getObject serves both /config and /:type/:name reads: look the node up in
// the cache, then stream its bytes from the cloud, forwarding any Range
// header natively.
func (h *Handler) getObject(w http.ResponseWriter, r *http.Request, fileType cloudtypes.ResticFileType, name string) {
	ctx := r.Context()

	parentID, found, err := h.cachedParentID(fileType, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		http.Error(w, fmt.Sprintf("%s not found", name), http.StatusNotFound)
		return
	}
	node, err := h.cache.Lookup(parentID, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if node == nil {
		http.Error(w, fmt.Sprintf("%s not found", name), http.StatusNotFound)
		return
	}

	// A Range header is only honored if it parses to a valid, in-bounds
	// span; otherwise the request falls back to a full download, matching
	// the upstream range parser's behavior of returning None on anything it
	// can't make sense of.
	var rangeToForward string
	start, end, hasRange := parseRange(r.Header.Get("Range"), node.Size)
	if hasRange {
		rangeToForward = fmt.Sprintf("bytes=%d-%d", start, end)
	}

	body, status, err := h.cloud.DownloadObject(ctx, node.FileID, rangeToForward)
	if err != nil {
		writeError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if hasRange && status == http.StatusPartialContent {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, node.Size))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(node.Size, 10))
		w.WriteHeader(http.StatusOK)
	}
	io.Copy(w, body)
}

func (h *Handler) postFile(w http.ResponseWriter, r *http.Request) {
	fileType, ok := cloudtypes.ParseResticFileType(r.PathValue("type"))
	if !ok {
		http.Error(w, fmt.Sprintf("invalid type: %s", r.PathValue("type")), http.StatusBadRequest)
		return
	}
	h.postObject(w, r, fileType, r.PathValue("name"))
}

// postObject uploads the request body as name under fileType's directory
// with overwrite semantics, then updates the cache to reflect the confirmed
// upload.
func (h *Handler) postObject(w http.ResponseWriter, r *http.Request, fileType cloudtypes.ResticFileType, name string) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body exceeds the 1 GiB single-shot upload ceiling", http.StatusBadRequest)
		return
	}

	parentID, err := h.objectParentID(ctx, fileType, name)
	if err != nil {
		writeError(w, err)
		return
	}

	fileID, etag, err := h.cloud.UploadObject(ctx, parentID, name, data)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.cache.Insert(&model.FileNode{
		FileID:   fileID,
		ParentID: parentID,
		Name:     name,
		IsDir:    false,
		Size:     int64(len(data)),
		Etag:     etag,
	}); err != nil {
		h.log.Error("cache update failed after confirmed upload", "name", name, "error", err)
		writeError(w, gwerr.Wrap(gwerr.KindCache, "updating cache after confirmed upload", err))
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) deleteFile(w http.ResponseWriter, r *http.Request) {
	fileType, ok := cloudtypes.ParseResticFileType(r.PathValue("type"))
	if !ok {
		http.Error(w, fmt.Sprintf("invalid type: %s", r.PathValue("type")), http.StatusBadRequest)
		return
	}
	name := r.PathValue("name")
	ctx := r.Context()

	parentID, found, err := h.cachedParentID(fileType, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if !found {
		// Idempotent: the parent directory was never created, so the
		// object cannot exist either.
		w.WriteHeader(http.StatusOK)
		return
	}

	node, err := h.cache.Lookup(parentID, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if node == nil {
		// Idempotent: absent from the cache means already deleted.
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.cloud.DeleteObject(ctx, node.FileID); err != nil {
		writeError(w, err)
		return
	}
	if err := h.cache.Delete(node.FileID); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// objectParentID resolves the directory an object of fileType/name lives in,
// creating the directory if it doesn't exist yet: the type directory
// directly, except for data objects, which are sharded under
// data/<first two hex chars of name>. Used only by the upload path
// (postObject), where a genuine miss means "create it", never by a read
// path; createRepository calls TypeDirID and EnsurePath directly.
func (h *Handler) objectParentID(ctx context.Context, fileType cloudtypes.ResticFileType, name string) (int64, error) {
	if fileType != cloudtypes.TypeData {
		return h.cloud.TypeDirID(ctx, fileType)
	}
	prefix := dataPrefix(name)
	return h.cloud.EnsurePath(ctx, fmt.Sprintf("%s/data/%s", h.repoPath, prefix))
}

// typeDirPath returns the provider-namespace path of fileType's directory,
// or the repository root itself for the config pseudo-type.
func typeDirPath(repoPath string, fileType cloudtypes.ResticFileType) string {
	if fileType.IsConfig() {
		return repoPath
	}
	return repoPath + "/" + fileType.Dirname()
}

// cachedParentID resolves the directory an object of fileType/name lives in
// using only the metadata cache — it never reaches the cloud client, and a
// cache miss is reported as "not found" rather than created. This is the
// seam every read and idempotency-check path (HEAD, GET, DELETE, listing)
// must go through so a warmed cache serves every such request without a
// network round trip.
func (h *Handler) cachedParentID(fileType cloudtypes.ResticFileType, name string) (int64, bool, error) {
	var path string
	if fileType == cloudtypes.TypeData {
		path = fmt.Sprintf("%s/data/%s", h.repoPath, dataPrefix(name))
	} else {
		path = typeDirPath(h.repoPath, fileType)
	}
	id, found, err := h.cache.ResolvePath(splitPath(path))
	if err != nil {
		return 0, false, gwerr.Wrap(gwerr.KindCache, "resolving parent directory from cache", err)
	}
	return id, found, nil
}

// splitPath mirrors cloud.splitPath: trims leading/trailing slashes and
// splits on "/", returning nil for an empty path.
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// dataPrefix returns the two-character shard prefix for a data object name,
// padding short names so the path is always well-formed.
func dataPrefix(name string) string {
	name = strings.ToLower(name)
	if len(name) >= 2 {
		return name[:2]
	}
	if len(name) == 1 {
		return name + "0"
	}
	return "00"
}

func hexPrefixes() []string {
	const digits = "0123456789abcdef"
	prefixes := make([]string, 0, 256)
	for _, hi := range digits {
		for _, lo := range digits {
			prefixes = append(prefixes, string(hi)+string(lo))
		}
	}
	return prefixes
}

// parseRange parses a single-span range header against fileSize. It accepts
// "bytes=start-end", "bytes=start-" (through the last byte) and "bytes=-N"
// (the trailing N bytes); an end past the file is clamped to fileSize-1.
func parseRange(header string, fileSize int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, prefix)
	parts := strings.Split(spec, "-")
	if len(parts) != 2 {
		return 0, 0, false
	}

	if parts[0] == "" {
		suffixLen, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		start = fileSize - suffixLen
		if start < 0 {
			start = 0
		}
		end = fileSize - 1
	} else {
		s, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		start = s

		if parts[1] == "" {
			end = fileSize - 1
		} else {
			e, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return 0, 0, false
			}
			end = e
		}
	}

	if end > fileSize-1 {
		end = fileSize - 1
	}
	if start > end || start >= fileSize {
		return 0, 0, false
	}
	return start, end, true
}
