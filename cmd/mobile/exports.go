package main

// All exported functions use C calling convention and can be called from Dart FFI.
// Functions returning *C.char return JSON that must be released with
// FreeString, or nil on failure with the reason in GetLastError.

/*
#include <stdlib.h>
*/
import "C"

//export SyncStatus
func SyncStatus() *C.char {
	return result(core.status())
}

//export QueueStats
func QueueStats() *C.char {
	return result(core.queueStats())
}

//export PollEvents
// PollEvents returns and clears the buffered queue, network and conflict
// notifications as a JSON array.
func PollEvents() *C.char {
	return result(core.pollEvents())
}

//export ForceSync
func ForceSync() *C.char {
	return result(core.forceSync())
}

//export ReportConnectivity
// ReportConnectivity feeds an OS connectivity change; connected is 0 or 1.
func ReportConnectivity(connected C.int) *C.char {
	return result(core.reportConnectivity(connected != 0))
}

//export RetryItem
func RetryItem(id *C.char) *C.char {
	return result(core.retryItem(C.GoString(id)))
}

//export RetryAllFailed
func RetryAllFailed() *C.char {
	return result(core.retryAllFailed())
}

//export DismissItem
func DismissItem(id *C.char) *C.char {
	return result(core.dismiss(C.GoString(id)))
}

//export ResolveConflict
// ResolveConflict applies use_local, use_server or merge. merged is the
// merged change as JSON, or empty.
func ResolveConflict(id, strategy, merged *C.char) *C.char {
	return result(core.resolveConflict(C.GoString(id), C.GoString(strategy), C.GoString(merged)))
}

//export Read
func Read(collection, owner *C.char, refresh C.int) *C.char {
	return result(core.read(C.GoString(collection), C.GoString(owner), refresh != 0))
}

//export PerformCleanup
func PerformCleanup() *C.char {
	return result(core.cleanup())
}

//export UpdateWorkOrder
func UpdateWorkOrder(id, updates *C.char) *C.char {
	return result(core.updateWorkOrder(C.GoString(id), C.GoString(updates)))
}

//export UpdateMaterials
func UpdateMaterials(id, materials *C.char) *C.char {
	return result(core.updateMaterials(C.GoString(id), C.GoString(materials)))
}

//export AddEquipment
func AddEquipment(equipment *C.char) *C.char {
	return result(core.addEquipment(C.GoString(equipment)))
}

//export RemoveEquipment
func RemoveEquipment(workOrderID, installedID, reason *C.char) *C.char {
	return result(core.removeEquipment(C.GoString(workOrderID), C.GoString(installedID), C.GoString(reason)))
}

//export UploadImage
// UploadImage queues the photo stored at path. image carries the work
// order id, file name, content type and caption as JSON.
func UploadImage(image, path *C.char) *C.char {
	return result(core.uploadImage(C.GoString(image), C.GoString(path)))
}

//export DeleteImage
func DeleteImage(workOrderID, imageID *C.char) *C.char {
	return result(core.deleteImage(C.GoString(workOrderID), C.GoString(imageID)))
}
