// Package storage keeps a ledger of mirror downloads using GORM and SQLite
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/package-url/packageurl-go"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Sentinel errors
var (
	ErrNilDownload = errors.New("download cannot be nil")
	ErrNotFound    = errors.New("download not found")
)

// Download statuses.
const (
	StatusOK             = "ok"
	StatusHashMismatch   = "hash_mismatch"
	StatusFailed         = "failed"
	StatusMetadataFailed = "metadata_failed"
	StatusRejected       = "rejected"
)

// Download is one payload or metadata sidecar fetch attempt.
type Download struct {
	ID uint `gorm:"primaryKey"`

	RunID    string `gorm:"not null;index"`
	Package  string `gorm:"not null;index:idx_package_version"`
	Version  string `gorm:"not null;index:idx_package_version"`
	Filename string `gorm:"not null;index"`
	Kind     string `gorm:"not null"` // sdist, wheel, metadata
	PURL     string

	SourceURL string `gorm:"not null"`
	LocalPath string
	Size      int64

	HashAlgorithm string
	HashValue     string
	Verified      bool `gorm:"not null;default:false"`

	Status       string `gorm:"not null;index"`
	ErrorMessage string

	DownloadedAt time.Time `gorm:"not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store defines the ledger operations used by the mirror and the CLI
type Store interface {
	Close() error
	RecordDownload(*Download) error
	GetLatest(pkg, filename string) (*Download, error)
	ListAll() ([]*Download, error)
	ListByPackage(pkg string) ([]*Download, error)
	ListByRun(runID string) ([]*Download, error)
	GetStats() (map[string]interface{}, error)
}

// DB wraps gorm.DB with ledger operations
type DB struct {
	db *gorm.DB
}

// Config holds database configuration
type Config struct {
	DatabasePath string
	LogLevel     string // silent, error, warn, info
}

// InitDB initializes the database connection and runs migrations
func InitDB(cfg Config) (*DB, error) {
	logLevel := logger.Silent
	switch cfg.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(cfg.DatabasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// sqlite allows a single writer; mirror workers record concurrently.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Download{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying SQL DB: %w", err)
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// RecordDownload inserts a ledger row. A zero DownloadedAt is set to now and
// an empty PURL is derived from package and version.
func (d *DB) RecordDownload(download *Download) error {
	if download == nil {
		return ErrNilDownload
	}
	if download.DownloadedAt.IsZero() {
		download.DownloadedAt = time.Now().UTC()
	}
	if download.PURL == "" {
		download.PURL = PackageURL(download.Package, download.Version)
	}
	if err := d.db.Create(download).Error; err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}

// GetLatest returns the most recent row for a file of a package
func (d *DB) GetLatest(pkg, filename string) (*Download, error) {
	var download Download
	err := d.db.Where("package = ? AND filename = ?", pkg, filename).
		Order("downloaded_at DESC, id DESC").First(&download).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get download: %w", err)
	}
	return &download, nil
}

// ListAll returns all rows, newest first
func (d *DB) ListAll() ([]*Download, error) {
	var downloads []*Download
	if err := d.db.Order("downloaded_at DESC, id DESC").Find(&downloads).Error; err != nil {
		return nil, fmt.Errorf("failed to list all downloads: %w", err)
	}
	return downloads, nil
}

// ListByPackage returns all rows of one package, newest first
func (d *DB) ListByPackage(pkg string) ([]*Download, error) {
	var downloads []*Download
	if err := d.db.Where("package = ?", pkg).Order("downloaded_at DESC, id DESC").Find(&downloads).Error; err != nil {
		return nil, fmt.Errorf("failed to list downloads for package %s: %w", pkg, err)
	}
	return downloads, nil
}

// ListByRun returns the rows written by one mirror run in insertion order
func (d *DB) ListByRun(runID string) ([]*Download, error) {
	var downloads []*Download
	if err := d.db.Where("run_id = ?", runID).Order("id ASC").Find(&downloads).Error; err != nil {
		return nil, fmt.Errorf("failed to list downloads for run %s: %w", runID, err)
	}
	return downloads, nil
}

// GetStats returns ledger statistics
func (d *DB) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var total int64
	if err := d.db.Model(&Download{}).Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count total downloads: %w", err)
	}
	stats["total_downloads"] = total

	var bytes struct{ Total int64 }
	if err := d.db.Model(&Download{}).Select("COALESCE(SUM(size), 0) as total").
		Where("status = ?", StatusOK).Scan(&bytes).Error; err != nil {
		return nil, fmt.Errorf("failed to sum download sizes: %w", err)
	}
	stats["total_bytes"] = bytes.Total

	var packageCounts []struct {
		Package string
		Count   int64
	}
	if err := d.db.Model(&Download{}).Select("package, COUNT(*) as count").
		Group("package").Order("package").Scan(&packageCounts).Error; err != nil {
		return nil, fmt.Errorf("failed to get package counts: %w", err)
	}
	stats["by_package"] = packageCounts

	var statusCounts []struct {
		Status string
		Count  int64
	}
	if err := d.db.Model(&Download{}).Select("status, COUNT(*) as count").
		Group("status").Order("status").Scan(&statusCounts).Error; err != nil {
		return nil, fmt.Errorf("failed to get status counts: %w", err)
	}
	stats["by_status"] = statusCounts

	return stats, nil
}

// PackageURL renders the pkg:pypi purl of a release.
func PackageURL(pkg, version string) string {
	if pkg == "" {
		return ""
	}
	return packageurl.NewPackageURL(packageurl.TypePyPi, "", pkg, version, nil, "").ToString()
}
