package assets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/vesta/engine/assets/loaders"
	"github.com/spaghettifunk/vesta/engine/core"
	"github.com/spaghettifunk/vesta/engine/renderer/metadata"
)

type AssetType uint8

const (
	AssetTypeNone AssetType = iota
	AssetTypeImage
	// AssetTypeCompressedImage is an lz4 framed image file, e.g. bricks_albedo.png.lz4.
	AssetTypeCompressedImage
)

type AssetInfo struct {
	Path     string
	Type     AssetType
	Modified time.Time
}

// AssetManager indexes every image under the asset root and keeps the index
// current with a recursive file watcher.
type AssetManager struct {
	root    string
	assets  map[string]AssetInfo
	loaders map[AssetType]Loader

	mutex sync.RWMutex

	done     chan struct{}
	wg       sync.WaitGroup
	fsnotify *fsnotify.Watcher
	isClosed bool

	// onChange is called for files written after the initial scan.
	onChange func(path string)
}

func NewAssetManager() (*AssetManager, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &AssetManager{
		assets:   make(map[string]AssetInfo),
		loaders:  make(map[AssetType]Loader),
		fsnotify: fsWatch,
		done:     make(chan struct{}),
	}, nil
}

func (am *AssetManager) Initialize(assetsDir string) error {
	root, err := filepath.Abs(assetsDir)
	if err != nil {
		return err
	}
	am.root = root

	am.registerLoader(AssetTypeImage, &loaders.ImageLoader{})
	am.registerLoader(AssetTypeCompressedImage, &loaders.ImageLoader{Compressed: true})

	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		core.LogWarn("asset root %s does not exist, only in-memory textures will load", root)
		return nil
	}

	am.wg.Add(1)
	go am.start()

	if err := am.watchRecursive(root, false); err != nil {
		return err
	}
	core.LogInfo("Asset manager indexed %d files under %s", am.Count(), root)
	return nil
}

// OnChange registers a callback for files modified after Initialize.
func (am *AssetManager) OnChange(fn func(path string)) {
	am.mutex.Lock()
	am.onChange = fn
	am.mutex.Unlock()
}

func (am *AssetManager) Root() string {
	return am.root
}

func (am *AssetManager) Count() int {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	return len(am.assets)
}

func (am *AssetManager) registerLoader(assetType AssetType, loader Loader) {
	am.loaders[assetType] = loader
}

// abs maps a request path onto the asset root.
func (am *AssetManager) abs(path string) string {
	if filepath.IsAbs(path) || am.root == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(am.root, path)
}

// Resolve returns the canonical path of an existing asset, or core.ErrAssetNotFound.
func (am *AssetManager) Resolve(path string) (string, error) {
	full := am.abs(path)

	am.mutex.RLock()
	_, exists := am.assets[full]
	am.mutex.RUnlock()
	if exists {
		return full, nil
	}
	// The watcher may not have caught up with a file created a moment ago.
	if fi, err := os.Stat(full); err == nil && !fi.IsDir() {
		am.handleFileEvent(full)
		return full, nil
	}
	return "", fmt.Errorf("%s: %w", path, core.ErrAssetNotFound)
}

// Siblings lists the existing variants of path whose name ends with another of the
// known suffixes, e.g. wall_d.png for a missing wall_c.png.
func (am *AssetManager) Siblings(path string, suffixes []string) []string {
	full := am.abs(path)
	dir := filepath.Dir(full)
	name := filepath.Base(full)
	ext := fullExt(name)
	stem := strings.TrimSuffix(name, ext)

	var out []string
	for _, s := range suffixes {
		if !strings.HasSuffix(stem, s) || len(stem) == len(s) {
			continue
		}
		prefix := strings.TrimSuffix(stem, s)
		for _, alt := range suffixes {
			if alt == s {
				continue
			}
			candidate := filepath.Join(dir, prefix+alt+ext)
			if resolved, err := am.Resolve(candidate); err == nil {
				out = append(out, resolved)
			}
		}
		// only the last suffix is replaced
		break
	}
	return out
}

// LoadImage decodes the asset at a resolved path into RGBA8 pixels.
func (am *AssetManager) LoadImage(path string) (*metadata.PixelBuffer, error) {
	assetType := determineAssetType(path)
	loader, ok := am.loaders[assetType]
	if !ok {
		return nil, fmt.Errorf("no loader registered for %s", path)
	}
	return loader.Load(path)
}

func (am *AssetManager) Close() error {
	am.mutex.Lock()
	if am.isClosed {
		am.mutex.Unlock()
		return nil
	}
	am.isClosed = true
	am.mutex.Unlock()

	close(am.done)
	am.wg.Wait()
	return am.fsnotify.Close()
}

func (am *AssetManager) start() {
	defer am.wg.Done()
	for {
		select {
		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			s, err := os.Stat(e.Name)
			if err == nil && s != nil && s.IsDir() {
				if e.Op&fsnotify.Create != 0 {
					if err := am.watchRecursive(e.Name, false); err != nil {
						core.LogWarn("failed to watch %s: %s", e.Name, err)
					}
				}
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if am.handleFileEvent(e.Name) {
					am.notify(e.Name)
				}
			}
			if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				am.removeAsset(e.Name)
			}

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("asset watcher: %s", err)

		case <-am.done:
			return
		}
	}
}

func (am *AssetManager) notify(path string) {
	am.mutex.RLock()
	fn := am.onChange
	am.mutex.RUnlock()
	if fn != nil {
		fn(filepath.Clean(path))
	}
}

// watchRecursive adds all directories under the given one to the watch list and
// indexes the files it finds.
func (am *AssetManager) watchRecursive(path string, unWatch bool) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if unWatch {
				return am.fsnotify.Remove(walkPath)
			}
			return am.fsnotify.Add(walkPath)
		}
		am.handleFileEvent(walkPath)
		return nil
	})
}

// handleFileEvent indexes a created or modified file. It reports whether the file
// is an asset.
func (am *AssetManager) handleFileEvent(path string) bool {
	assetType := determineAssetType(path)
	if assetType == AssetTypeNone {
		return false
	}
	am.mutex.Lock()
	defer am.mutex.Unlock()
	clean := filepath.Clean(path)
	am.assets[clean] = AssetInfo{
		Path:     clean,
		Type:     assetType,
		Modified: time.Now(),
	}
	return true
}

func (am *AssetManager) removeAsset(path string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	delete(am.assets, filepath.Clean(path))
}

// fullExt returns the image extension including a trailing .lz4, e.g. ".png.lz4".
func fullExt(name string) string {
	ext := filepath.Ext(name)
	if strings.EqualFold(ext, ".lz4") {
		return filepath.Ext(strings.TrimSuffix(name, ext)) + ext
	}
	return ext
}

func determineAssetType(path string) AssetType {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".lz4" {
		if determineAssetType(strings.TrimSuffix(path, filepath.Ext(path))) == AssetTypeImage {
			return AssetTypeCompressedImage
		}
		return AssetTypeNone
	}
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".webp":
		return AssetTypeImage
	default:
		return AssetTypeNone
	}
}
