// Package assets stores uploaded images on disk, partitioned by category.
package assets

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Category string

const (
	CategoryDetection Category = "detection"
	CategoryTraining  Category = "training"
	CategoryTemp      Category = "temp"
)

var (
	ErrInvalidCategory = errors.New("invalid category")
	ErrInvalidFilename = errors.New("invalid filename")
	ErrNotFound        = errors.New("asset not found")
)

func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryDetection, CategoryTraining, CategoryTemp:
		return c, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

// Mirror replicates durable assets to a secondary object store.
type Mirror interface {
	Replicate(ctx context.Context, objectName string, data []byte, contentType string) error
	Remove(ctx context.Context, objectName string) error
}

type AssetRef struct {
	Category Category
	Filename string
}

// URL is the retrieval path served by the images handler.
func (r AssetRef) URL() string {
	return fmt.Sprintf("/api/images?category=%s&filename=%s", r.Category, url.QueryEscape(r.Filename))
}

type Store struct {
	root   string
	mirror Mirror
}

// New creates the category directories under root. mirror may be nil.
func New(root string, mirror Mirror) (*Store, error) {
	for _, cat := range []Category{CategoryDetection, CategoryTraining, CategoryTemp} {
		if err := os.MkdirAll(filepath.Join(root, string(cat)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create category directory: %w", err)
		}
	}
	return &Store{root: root, mirror: mirror}, nil
}

// Put writes data under <root>/<category>/<filename>. Validation happens
// before any write; overwriting an existing name is allowed and unordered
// between concurrent writers. detection and training assets are replicated
// to the mirror best-effort.
func (s *Store) Put(category Category, filename string, data []byte) (AssetRef, error) {
	path, err := s.resolve(category, filename)
	if err != nil {
		return AssetRef{}, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return AssetRef{}, fmt.Errorf("failed to write asset: %w", err)
	}

	if s.mirror != nil && category != CategoryTemp {
		objectName := string(category) + "/" + filename
		if err := s.mirror.Replicate(context.Background(), objectName, data, ContentTypeFor(filename)); err != nil {
			log.Printf("mirror replication failed for %s: %v", objectName, err)
		}
	}

	return AssetRef{Category: category, Filename: filename}, nil
}

// Get reads the asset bytes and reports the content type implied by the
// filename extension.
func (s *Store) Get(category Category, filename string) ([]byte, string, error) {
	path, err := s.resolve(category, filename)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: %s/%s", ErrNotFound, category, filename)
		}
		return nil, "", fmt.Errorf("failed to read asset: %w", err)
	}
	return data, ContentTypeFor(filename), nil
}

// Delete removes the asset from disk and, for durable categories, from the
// mirror.
func (s *Store) Delete(category Category, filename string) error {
	path, err := s.resolve(category, filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, category, filename)
		}
		return fmt.Errorf("failed to delete asset: %w", err)
	}

	if s.mirror != nil && category != CategoryTemp {
		objectName := string(category) + "/" + filename
		if err := s.mirror.Remove(context.Background(), objectName); err != nil {
			log.Printf("mirror removal failed for %s: %v", objectName, err)
		}
	}
	return nil
}

// ResolveDirectory returns the directory for a category without touching disk.
func (s *Store) ResolveDirectory(category Category) (string, error) {
	if _, err := ParseCategory(string(category)); err != nil {
		return "", err
	}
	return filepath.Join(s.root, string(category)), nil
}

// ReapTemp deletes temp assets older than olderThan and returns how many
// were removed. Other categories are never touched.
func (s *Store) ReapTemp(olderThan time.Duration) (int, error) {
	dir := filepath.Join(s.root, string(CategoryTemp))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read temp directory: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *Store) resolve(category Category, filename string) (string, error) {
	if _, err := ParseCategory(string(category)); err != nil {
		return "", err
	}
	if err := validateFilename(filename); err != nil {
		return "", err
	}
	dir := filepath.Join(s.root, string(category))
	path := filepath.Join(dir, filename)
	// The filename checks above already forbid traversal; keep the
	// containment check as the last line of defense.
	if !strings.HasPrefix(path, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes category root", ErrInvalidFilename, filename)
	}
	return path, nil
}

func validateFilename(filename string) error {
	if filename == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFilename)
	}
	if strings.ContainsAny(filename, `/\`) {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidFilename, filename)
	}
	if strings.Contains(filename, "..") {
		return fmt.Errorf("%w: %q contains a traversal sequence", ErrInvalidFilename, filename)
	}
	if filepath.IsAbs(filename) {
		return fmt.Errorf("%w: %q is absolute", ErrInvalidFilename, filename)
	}
	return nil
}

// ContentTypeFor resolves the content type by extension only; unknown or
// missing extensions default to image/jpeg. No content sniffing.
func ContentTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "image/jpeg"
	}
}

// NewFilename generates a unique server-assigned filename keeping the
// original extension.
func NewFilename(originalName string) string {
	ext := strings.ToLower(filepath.Ext(originalName))
	return uuid.New().String() + ext
}
