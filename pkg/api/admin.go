package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zmigrate/zmigrate/pkg/log"
	"github.com/zmigrate/zmigrate/pkg/types"
	"github.com/zmigrate/zmigrate/pkg/zfs"
)

// AdminHandler exposes local pool and dataset management. Dataset names
// contain '/', so these routes take names in query parameters and JSON
// bodies instead of path segments.
type AdminHandler struct {
	zfs    *zfs.Client
	logger zerolog.Logger
}

func newAdminHandler(client *zfs.Client) *AdminHandler {
	return &AdminHandler{zfs: client, logger: log.WithComponent("api")}
}

// writeZFSError distinguishes missing targets from command failures.
func (h *AdminHandler) writeZFSError(w http.ResponseWriter, err error) {
	if zfs.IsNotExist(err) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	writeError(w, err)
}

func queryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return v
}

// Dataset operations.

type datasetList struct {
	Datasets []zfs.Dataset `json:"datasets"`
}

type createDatasetRequest struct {
	Name       string            `json:"name"`
	Parents    bool              `json:"parents,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

type datasetCreated struct {
	Dataset string `json:"dataset"`
	Created bool   `json:"created"`
}

type datasetDestroyed struct {
	Dataset   string `json:"dataset"`
	Destroyed bool   `json:"destroyed"`
}

type propertyValue struct {
	Dataset  string `json:"dataset"`
	Property string `json:"property"`
	Value    string `json:"value"`
}

// ListDatasets handles GET /api/v1/datasets.
func (h *AdminHandler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	root := r.URL.Query().Get("root")
	datasets, err := h.zfs.ListDatasets(r.Context(), root, queryBool(r, "recursive"))
	if err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, datasetList{Datasets: datasets})
}

// CreateDataset handles POST /api/v1/datasets.
func (h *AdminHandler) CreateDataset(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.zfs.CreateDataset(r.Context(), req.Name, req.Parents, req.Properties); err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, datasetCreated{Dataset: req.Name, Created: true})
}

// DestroyDataset handles DELETE /api/v1/datasets?name=...
func (h *AdminHandler) DestroyDataset(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if strings.ContainsAny(name, "@#") {
		writeError(w, types.NewValidationError("name", "expected a dataset name, got %q", name))
		return
	}
	if err := h.zfs.Destroy(r.Context(), name, queryBool(r, "recursive"), queryBool(r, "force")); err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, datasetDestroyed{Dataset: name, Destroyed: true})
}

// GetProperty handles GET /api/v1/datasets/properties?name=...&property=...
func (h *AdminHandler) GetProperty(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	property := r.URL.Query().Get("property")
	value, err := h.zfs.GetProperty(r.Context(), name, property)
	if err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, propertyValue{Dataset: name, Property: property, Value: value})
}

// SetProperty handles PUT /api/v1/datasets/properties.
func (h *AdminHandler) SetProperty(w http.ResponseWriter, r *http.Request) {
	var req propertyValue
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.zfs.SetProperty(r.Context(), req.Dataset, req.Property, req.Value); err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// Snapshot operations.

type snapshotList struct {
	Dataset   string   `json:"dataset"`
	Snapshots []string `json:"snapshots"`
}

type createSnapshotRequest struct {
	Snapshot  string `json:"snapshot"`
	Recursive bool   `json:"recursive,omitempty"`
}

type snapshotCreated struct {
	Snapshot string `json:"snapshot"`
	Created  bool   `json:"created"`
}

type snapshotDestroyed struct {
	Snapshot  string `json:"snapshot"`
	Destroyed bool   `json:"destroyed"`
}

type rollbackRequest struct {
	Snapshot     string `json:"snapshot"`
	DestroyLater bool   `json:"destroy_later,omitempty"`
}

type snapshotRolledBack struct {
	Snapshot   string `json:"snapshot"`
	RolledBack bool   `json:"rolled_back"`
}

type holdList struct {
	Snapshot string   `json:"snapshot"`
	Holds    []string `json:"holds"`
}

type holdRequest struct {
	Tag      string `json:"tag"`
	Snapshot string `json:"snapshot"`
}

// ListSnapshots handles GET /api/v1/snapshots?dataset=...
func (h *AdminHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	dataset := r.URL.Query().Get("dataset")
	snapshots, err := h.zfs.ListSnapshots(r.Context(), dataset)
	if err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotList{Dataset: dataset, Snapshots: snapshots})
}

// CreateSnapshot handles POST /api/v1/snapshots.
func (h *AdminHandler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	var req createSnapshotRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !strings.Contains(req.Snapshot, "@") {
		writeError(w, types.NewValidationError("snapshot", "expected dataset@name, got %q", req.Snapshot))
		return
	}
	if err := h.zfs.CreateSnapshot(r.Context(), req.Snapshot, req.Recursive); err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snapshotCreated{Snapshot: req.Snapshot, Created: true})
}

// DestroySnapshot handles DELETE /api/v1/snapshots?name=...
func (h *AdminHandler) DestroySnapshot(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if !strings.Contains(name, "@") {
		writeError(w, types.NewValidationError("name", "expected dataset@name, got %q", name))
		return
	}
	if err := h.zfs.Destroy(r.Context(), name, queryBool(r, "recursive"), queryBool(r, "force")); err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotDestroyed{Snapshot: name, Destroyed: true})
}

// Rollback handles POST /api/v1/snapshots/rollback. Rolling back discards
// every change made to the dataset after the snapshot.
func (h *AdminHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.zfs.Rollback(r.Context(), req.Snapshot, req.DestroyLater); err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotRolledBack{Snapshot: req.Snapshot, RolledBack: true})
}

// ListHolds handles GET /api/v1/snapshots/holds?snapshot=...
func (h *AdminHandler) ListHolds(w http.ResponseWriter, r *http.Request) {
	snapshot := r.URL.Query().Get("snapshot")
	holds, err := h.zfs.Holds(r.Context(), snapshot)
	if err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holdList{Snapshot: snapshot, Holds: holds})
}

// Hold handles POST /api/v1/snapshots/holds.
func (h *AdminHandler) Hold(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.zfs.Hold(r.Context(), req.Tag, req.Snapshot); err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Snapshot string `json:"snapshot"`
		Hold     string `json:"hold"`
	}{req.Snapshot, req.Tag})
}

// Release handles DELETE /api/v1/snapshots/holds?tag=...&snapshot=...
func (h *AdminHandler) Release(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	snapshot := r.URL.Query().Get("snapshot")
	if err := h.zfs.Release(r.Context(), tag, snapshot); err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Snapshot string `json:"snapshot"`
		Released string `json:"released"`
	}{snapshot, tag})
}

// Pool operations.

type poolList struct {
	Pools []zfs.Pool `json:"pools"`
}

type scrubRequest struct {
	Pool string `json:"pool"`
	Stop bool   `json:"stop,omitempty"`
}

type poolRequest struct {
	Pool  string `json:"pool"`
	Force bool   `json:"force,omitempty"`
}

// ListPools handles GET /api/v1/pools.
func (h *AdminHandler) ListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := h.zfs.ListPools(r.Context())
	if err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolList{Pools: pools})
}

// PoolStatus handles GET /api/v1/pools/status?name=...
func (h *AdminHandler) PoolStatus(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	status, err := h.zfs.PoolStatus(r.Context(), name)
	if err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Pool   string `json:"pool"`
		Status string `json:"status"`
	}{name, status})
}

// Scrub handles POST /api/v1/pools/scrub. stop:true cancels a running
// scrub instead of starting one.
func (h *AdminHandler) Scrub(w http.ResponseWriter, r *http.Request) {
	var req scrubRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var err error
	state := "started"
	if req.Stop {
		err = h.zfs.ScrubStop(r.Context(), req.Pool)
		state = "stopped"
	} else {
		err = h.zfs.ScrubStart(r.Context(), req.Pool)
	}
	if err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Pool  string `json:"pool"`
		Scrub string `json:"scrub"`
	}{req.Pool, state})
}

// ImportPool handles POST /api/v1/pools/import.
func (h *AdminHandler) ImportPool(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.zfs.ImportPool(r.Context(), req.Pool, req.Force); err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Pool     string `json:"pool"`
		Imported bool   `json:"imported"`
	}{req.Pool, true})
}

// ExportPool handles POST /api/v1/pools/export.
func (h *AdminHandler) ExportPool(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.zfs.ExportPool(r.Context(), req.Pool, req.Force); err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Pool     string `json:"pool"`
		Exported bool   `json:"exported"`
	}{req.Pool, true})
}

// Bookmark operations.

type bookmarkList struct {
	Dataset   string   `json:"dataset"`
	Bookmarks []string `json:"bookmarks"`
}

type createBookmarkRequest struct {
	Snapshot string `json:"snapshot"`
	Bookmark string `json:"bookmark"`
}

// ListBookmarks handles GET /api/v1/bookmarks?dataset=...
func (h *AdminHandler) ListBookmarks(w http.ResponseWriter, r *http.Request) {
	dataset := r.URL.Query().Get("dataset")
	bookmarks, err := h.zfs.ListBookmarks(r.Context(), dataset)
	if err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bookmarkList{Dataset: dataset, Bookmarks: bookmarks})
}

// CreateBookmark handles POST /api/v1/bookmarks. Bookmarks keep an
// incremental source alive after the snapshot itself is destroyed.
func (h *AdminHandler) CreateBookmark(w http.ResponseWriter, r *http.Request) {
	var req createBookmarkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.zfs.CreateBookmark(r.Context(), req.Snapshot, req.Bookmark); err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Snapshot string `json:"snapshot"`
		Bookmark string `json:"bookmark"`
		Created  bool   `json:"created"`
	}{req.Snapshot, req.Bookmark, true})
}

// DestroyBookmark handles DELETE /api/v1/bookmarks?name=...
func (h *AdminHandler) DestroyBookmark(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if !strings.Contains(name, "#") {
		writeError(w, types.NewValidationError("name", "expected dataset#name, got %q", name))
		return
	}
	if err := h.zfs.Destroy(r.Context(), name, false, false); err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Bookmark  string `json:"bookmark"`
		Destroyed bool   `json:"destroyed"`
	}{name, true})
}

// Volume operations.

type volumeList struct {
	Volumes []zfs.Volume `json:"volumes"`
}

type createVolumeRequest struct {
	Name   string `json:"name"`
	Size   string `json:"size"`
	Sparse bool   `json:"sparse,omitempty"`
}

// ListVolumes handles GET /api/v1/volumes.
func (h *AdminHandler) ListVolumes(w http.ResponseWriter, r *http.Request) {
	volumes, err := h.zfs.ListVolumes(r.Context())
	if err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, volumeList{Volumes: volumes})
}

// CreateVolume handles POST /api/v1/volumes.
func (h *AdminHandler) CreateVolume(w http.ResponseWriter, r *http.Request) {
	var req createVolumeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.zfs.CreateVolume(r.Context(), req.Name, req.Size, req.Sparse); err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Volume  string `json:"volume"`
		Created bool   `json:"created"`
	}{req.Name, true})
}

// DestroyVolume handles DELETE /api/v1/volumes?name=...
func (h *AdminHandler) DestroyVolume(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if strings.ContainsAny(name, "@#") {
		writeError(w, types.NewValidationError("name", "expected a volume name, got %q", name))
		return
	}
	if err := h.zfs.Destroy(r.Context(), name, false, queryBool(r, "force")); err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Volume    string `json:"volume"`
		Destroyed bool   `json:"destroyed"`
	}{name, true})
}

// Clone operations.

type cloneList struct {
	Clones []zfs.Clone `json:"clones"`
}

type createCloneRequest struct {
	Snapshot string `json:"snapshot"`
	Target   string `json:"target"`
	Parents  bool   `json:"parents,omitempty"`
}

// ListClones handles GET /api/v1/clones.
func (h *AdminHandler) ListClones(w http.ResponseWriter, r *http.Request) {
	clones, err := h.zfs.ListClones(r.Context())
	if err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cloneList{Clones: clones})
}

// CreateClone handles POST /api/v1/clones.
func (h *AdminHandler) CreateClone(w http.ResponseWriter, r *http.Request) {
	var req createCloneRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.zfs.CreateClone(r.Context(), req.Snapshot, req.Target, req.Parents); err != nil {
		h.writeZFSError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Source  string `json:"source"`
		Clone   string `json:"clone"`
		Created bool   `json:"created"`
	}{req.Snapshot, req.Target, true})
}
