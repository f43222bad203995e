package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// AssetStore owns media bytes and their Asset records. A successful Put
// means both the blob and the record are durable.
type AssetStore struct {
	repo   AssetRepository
	styles StyleRepository
	*settings
}

// NewAssetStore creates an AssetStore. At least one blob store must be
// registered with WithBlobStore.
func NewAssetStore(repo AssetRepository, styles StyleRepository, options ...Option) (*AssetStore, error) {
	if repo == nil {
		return nil, fmt.Errorf("asset repository is required")
	}
	if styles == nil {
		return nil, fmt.Errorf("style repository is required")
	}
	s := newSettings(options)
	if len(s.blobStores) == 0 {
		return nil, fmt.Errorf("at least one blob store is required")
	}
	if _, ok := s.blobStores[s.defaultStorage]; !ok {
		return nil, fmt.Errorf("default storage %q is not registered", s.defaultStorage)
	}
	s.logger = s.logger.With("component", "assets")
	return &AssetStore{repo: repo, styles: styles, settings: s}, nil
}

// Put streams r into the default blob store, computing its SHA-256 on
// the way, confirms the stored size and then records the asset. Any
// failure after the upload starts removes the blob and reports
// ErrStorageFault.
//
// When req.ID is set and an asset with that id already exists, the
// bytes are hashed and compared: identical content returns the existing
// record, different content fails with ErrConflictingState.
func (s *AssetStore) Put(ctx context.Context, r io.Reader, req PutRequest) (*Asset, error) {
	if req.Kind != AssetKindRaw && req.Kind != AssetKindDerived {
		return nil, fmt.Errorf("%w: unknown asset kind %q", ErrValidation, req.Kind)
	}
	if req.OwnerID == uuid.Nil {
		return nil, fmt.Errorf("%w: owner id is required", ErrValidation)
	}
	if req.Kind == AssetKindRaw && !s.mimeAllowed(req.MimeType) {
		return nil, fmt.Errorf("%w: mime type %q is not accepted for upload", ErrValidation, req.MimeType)
	}

	id := req.ID
	if id == uuid.Nil {
		var err error
		if id, err = uuid.NewV7(); err != nil {
			return nil, fmt.Errorf("failed to generate asset id: %w", err)
		}
	} else if existing, err := s.repo.GetAsset(ctx, id); err == nil {
		return s.matchExisting(r, existing)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, &AssetError{AssetID: id, Op: "put", Err: fmt.Errorf("%w: %w", ErrStorageFault, err)}
	}

	storageName := s.defaultStorage
	store := s.blobStores[storageName]
	key := objectKey(req, id)

	hasher := sha256.New()
	counter := &countingWriter{}
	tee := io.TeeReader(r, io.MultiWriter(hasher, counter))
	if err := store.Upload(ctx, tee, UploadParams{ObjectKey: key, MimeType: req.MimeType}); err != nil {
		s.discard(ctx, store, storageName, key)
		return nil, s.fault(id, storageName, key, "upload", err)
	}

	if counter.n == 0 {
		s.discard(ctx, store, storageName, key)
		return nil, fmt.Errorf("%w: empty upload", ErrValidation)
	}

	meta, err := store.GetObjectMeta(ctx, key)
	if err != nil {
		s.discard(ctx, store, storageName, key)
		return nil, s.fault(id, storageName, key, "verify", err)
	}
	if meta.Size != counter.n {
		s.discard(ctx, store, storageName, key)
		return nil, s.fault(id, storageName, key, "verify",
			fmt.Errorf("stored size %d does not match written size %d", meta.Size, counter.n))
	}

	asset := &Asset{
		ID:          id,
		Kind:        req.Kind,
		OwnerID:     req.OwnerID,
		StorageName: storageName,
		ObjectKey:   key,
		MimeType:    req.MimeType,
		FileName:    req.FileName,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
		SizeBytes:   counter.n,
		CreatedAt:   s.now(),
	}

	if err := s.repo.CreateAsset(ctx, asset); err != nil {
		s.discard(ctx, store, storageName, key)
		return nil, &AssetError{AssetID: id, Op: "put", Err: fmt.Errorf("%w: %w", ErrStorageFault, err)}
	}

	if err := s.eventSink.AssetStored(ctx, asset); err != nil {
		s.logger.WarnContext(ctx, "event sink failed", "asset_id", id, "error", err)
	}
	s.logger.InfoContext(ctx, "asset stored", "asset_id", id, "kind", asset.Kind, "size", asset.SizeBytes, "storage", storageName)
	return asset, nil
}

// Stat returns the Asset record for id.
func (s *AssetStore) Stat(ctx context.Context, id uuid.UUID) (*Asset, error) {
	asset, err := s.repo.GetAsset(ctx, id)
	if err != nil {
		return nil, &AssetError{AssetID: id, Op: "get", Err: err}
	}
	return asset, nil
}

// Get opens the bytes of asset id together with its record. The caller
// must close the reader.
func (s *AssetStore) Get(ctx context.Context, id uuid.UUID) (io.ReadCloser, *Asset, error) {
	asset, err := s.Stat(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.open(ctx, asset)
	if err != nil {
		return nil, nil, err
	}
	return rc, asset, nil
}

// Link records that derivedID was produced from sourceID with styleID.
// The source must exist and be raw; derivation depth is fixed at one.
// Linking again to the same source and style is a no-op; linking to a
// different one fails with ErrInvalidReference.
func (s *AssetStore) Link(ctx context.Context, derivedID, sourceID uuid.UUID, styleID string) error {
	derived, err := s.repo.GetAsset(ctx, derivedID)
	if err != nil {
		return &AssetError{AssetID: derivedID, Op: "link", Err: err}
	}
	if !derived.IsDerived() {
		return &AssetError{AssetID: derivedID, Op: "link", Err: fmt.Errorf("%w: asset is not derived", ErrInvalidReference)}
	}

	source, err := s.repo.GetAsset(ctx, sourceID)
	if errors.Is(err, ErrNotFound) {
		return &AssetError{AssetID: derivedID, Op: "link", Err: fmt.Errorf("%w: source asset %s does not exist", ErrInvalidReference, sourceID)}
	}
	if err != nil {
		return &AssetError{AssetID: derivedID, Op: "link", Err: err}
	}
	if source.IsDerived() {
		return &AssetError{AssetID: derivedID, Op: "link", Err: fmt.Errorf("%w: source asset %s is derived", ErrInvalidReference, sourceID)}
	}

	if _, err := s.styles.GetStyle(ctx, styleID); errors.Is(err, ErrNotFound) {
		return &AssetError{AssetID: derivedID, Op: "link", Err: fmt.Errorf("%w: style %q does not exist", ErrInvalidReference, styleID)}
	} else if err != nil {
		return &AssetError{AssetID: derivedID, Op: "link", Err: err}
	}

	err = s.repo.LinkAsset(ctx, derivedID, sourceID, styleID)
	if errors.Is(err, ErrConflictingState) {
		return &AssetError{AssetID: derivedID, Op: "link", Err: fmt.Errorf("%w: asset is already linked to another source or style", ErrInvalidReference)}
	}
	if err != nil {
		return &AssetError{AssetID: derivedID, Op: "link", Err: err}
	}
	return nil
}

// ListDerived returns every asset derived from the raw asset rawID.
func (s *AssetStore) ListDerived(ctx context.Context, rawID uuid.UUID) ([]*Asset, error) {
	if _, err := s.Stat(ctx, rawID); err != nil {
		return nil, err
	}
	assets, err := s.repo.ListDerivedAssets(ctx, rawID)
	if err != nil {
		return nil, &AssetError{AssetID: rawID, Op: "list derived", Err: err}
	}
	if assets == nil {
		assets = []*Asset{}
	}
	return assets, nil
}

// DownloadURL returns a direct or presigned URL for the asset's bytes.
func (s *AssetStore) DownloadURL(ctx context.Context, id uuid.UUID) (string, error) {
	asset, err := s.Stat(ctx, id)
	if err != nil {
		return "", err
	}
	store, err := s.store(asset)
	if err != nil {
		return "", err
	}
	url, err := store.GetDownloadURL(ctx, asset.ObjectKey, asset.FileName)
	if err != nil {
		return "", &StorageError{Backend: asset.StorageName, Key: asset.ObjectKey, Op: "download url", Err: err}
	}
	return url, nil
}

// Delete removes asset id and its bytes. A raw asset with derived
// children, or a derived asset named by a distribution plan, is still
// referenced and fails with ErrConflictingState.
func (s *AssetStore) Delete(ctx context.Context, id uuid.UUID) error {
	asset, err := s.Stat(ctx, id)
	if err != nil {
		return err
	}
	store, err := s.store(asset)
	if err != nil {
		return err
	}

	err = s.repo.DeleteAsset(ctx, id)
	if errors.Is(err, ErrConflictingState) {
		return &AssetError{AssetID: id, Op: "delete", Err: fmt.Errorf("%w: asset is referenced by a derived asset or plan", ErrConflictingState)}
	}
	if err != nil {
		return &AssetError{AssetID: id, Op: "delete", Err: err}
	}

	if err := store.Delete(ctx, asset.ObjectKey); err != nil && !errors.Is(err, ErrNotFound) {
		return &AssetError{AssetID: id, Op: "delete", Err: fmt.Errorf("%w: %w", ErrStorageFault,
			&StorageError{Backend: asset.StorageName, Key: asset.ObjectKey, Op: "delete", Err: err})}
	}
	s.logger.InfoContext(ctx, "asset deleted", "asset_id", id, "kind", asset.Kind)
	return nil
}

func (s *AssetStore) open(ctx context.Context, asset *Asset) (io.ReadCloser, error) {
	store, err := s.store(asset)
	if err != nil {
		return nil, err
	}
	rc, err := store.Download(ctx, asset.ObjectKey)
	if err != nil {
		return nil, &AssetError{AssetID: asset.ID, Op: "get",
			Err: &StorageError{Backend: asset.StorageName, Key: asset.ObjectKey, Op: "download", Err: err}}
	}
	return rc, nil
}

func (s *AssetStore) store(asset *Asset) (BlobStore, error) {
	store, ok := s.blobStores[asset.StorageName]
	if !ok {
		return nil, &AssetError{AssetID: asset.ID, Op: "get", Err: fmt.Errorf("%w: storage backend %q is not registered", ErrStorageFault, asset.StorageName)}
	}
	return store, nil
}

func (s *AssetStore) matchExisting(r io.Reader, existing *Asset) (*Asset, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return nil, &AssetError{AssetID: existing.ID, Op: "put", Err: err}
	}
	if hex.EncodeToString(hasher.Sum(nil)) != existing.ContentHash {
		return nil, &AssetError{AssetID: existing.ID, Op: "put", Err: fmt.Errorf("%w: asset exists with different content", ErrConflictingState)}
	}
	return existing, nil
}

func (s *AssetStore) discard(ctx context.Context, store BlobStore, backend, key string) {
	if err := store.Delete(context.WithoutCancel(ctx), key); err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.WarnContext(ctx, "failed to remove unconfirmed blob", "storage", backend, "key", key, "error", err)
	}
}

func (s *AssetStore) fault(id uuid.UUID, backend, key, op string, err error) error {
	return &AssetError{AssetID: id, Op: "put",
		Err: fmt.Errorf("%w: %w", ErrStorageFault, &StorageError{Backend: backend, Key: key, Op: op, Err: err})}
}

func (s *AssetStore) mimeAllowed(mimeType string) bool {
	if len(s.allowedTypes) == 0 {
		return true
	}
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return false
	}
	return slices.Contains(s.allowedTypes, base)
}

// objectKey lays blobs out as raw-uploads/{owner}/original/{id}{ext} and
// processed-content/{owner}/derived/{id}{ext}.
func objectKey(req PutRequest, id uuid.UUID) string {
	ext := strings.ToLower(path.Ext(req.FileName))
	if ext == "" {
		ext = extensionFor(req.MimeType)
	}
	if req.Kind == AssetKindDerived {
		return fmt.Sprintf("processed-content/%s/derived/%s%s", req.OwnerID, id, ext)
	}
	return fmt.Sprintf("raw-uploads/%s/original/%s%s", req.OwnerID, id, ext)
}

// mimeExtensions pins the extension for common media types; the system
// table lists several per type in no useful order.
var mimeExtensions = map[string]string{
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/x-msvideo": ".avi",
	"video/webm":      ".webm",
	"audio/mpeg":      ".mp3",
	"audio/wav":       ".wav",
	"audio/x-wav":     ".wav",
	"audio/mp4":       ".m4a",
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
}

func extensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	base = strings.ToLower(strings.TrimSpace(base))
	if base == "" {
		return ""
	}
	if ext, ok := mimeExtensions[base]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(base); err == nil && len(exts) == 1 {
		return exts[0]
	}
	return ""
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}
