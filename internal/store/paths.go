// Package store implements the on-disk content store. The layout is a
// stable contract:
//
//	<root>/accounts/<status>/<service>/<uuid>/account.enc
//	<root>/universals/<status>/<uuid>/file.enc
package store

import (
	"path/filepath"

	"digital-goods-market/internal/model"
)

// File names inside a storage directory.
const (
	AccountFileName   = "account.enc"
	UniversalFileName = "file.enc"
)

// AccountDir returns the directory owning one account archive, relative to
// the store root.
func AccountDir(status model.StorageStatus, service model.AccountServiceType, uuid string) string {
	return filepath.Join("accounts", string(status), string(service), uuid)
}

// AccountPath returns the relative path of an account archive.
func AccountPath(status model.StorageStatus, service model.AccountServiceType, uuid string) string {
	return filepath.Join(AccountDir(status, service, uuid), AccountFileName)
}

// UniversalDir returns the directory owning one universal payload, relative
// to the store root.
func UniversalDir(status model.StorageStatus, uuid string) string {
	return filepath.Join("universals", string(status), uuid)
}

// UniversalPath returns the relative path of a universal payload.
func UniversalPath(status model.StorageStatus, uuid string) string {
	return filepath.Join(UniversalDir(status, uuid), UniversalFileName)
}
