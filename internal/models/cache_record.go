package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Collection names a cacheable entity collection.
type Collection string

const (
	CollectionWorkOrders         Collection = "work_orders"
	CollectionEquipment          Collection = "equipment"
	CollectionMaterials          Collection = "materials"
	CollectionInstalledEquipment Collection = "installed_equipment"
	CollectionRemovedEquipment   Collection = "removed_equipment"
	CollectionImages             Collection = "images"
)

// Collections lists every cacheable collection.
var Collections = []Collection{
	CollectionInstalledEquipment,
	CollectionRemovedEquipment,
	CollectionWorkOrders,
	CollectionEquipment,
	CollectionMaterials,
	CollectionImages,
}

// WorkOrderChildren are the collections keyed by work order id.
var WorkOrderChildren = []Collection{
	CollectionInstalledEquipment,
	CollectionRemovedEquipment,
	CollectionImages,
}

// IsWorkOrderChild reports whether c is owned by a work order id.
func (c Collection) IsWorkOrderChild() bool {
	for _, child := range WorkOrderChildren {
		if c == child {
			return true
		}
	}
	return false
}

// Key returns the durable key "<collection>_<owner>".
func (c Collection) Key(owner string) string {
	return string(c) + "_" + owner
}

// ParseKey splits a durable key into collection and owner.
func ParseKey(key string) (Collection, string, bool) {
	for _, c := range Collections {
		prefix := string(c) + "_"
		if strings.HasPrefix(key, prefix) && len(key) > len(prefix) {
			return c, key[len(prefix):], true
		}
	}
	return "", "", false
}

// CacheRecord is the last-known-good snapshot of one collection.
type CacheRecord struct {
	Items        []json.RawMessage `json:"items"`
	LastModified int64             `json:"last_modified"` // Unix ms
}

// LastModifiedTime returns LastModified as time.Time.
func (r CacheRecord) LastModifiedTime() time.Time {
	return time.UnixMilli(r.LastModified)
}

// IsEmpty reports whether the record holds no items.
func (r CacheRecord) IsEmpty() bool {
	return len(r.Items) == 0
}

// NetworkState is the derived connectivity signal.
type NetworkState struct {
	IsOnline bool `json:"is_online"`
}
