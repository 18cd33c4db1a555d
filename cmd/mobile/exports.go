//go:build cgo

package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"unsafe"
)

// Every function returning *C.char hands ownership to the caller, who must
// release it with FreeString.

//export Init
func Init(request *C.char) *C.char {
	if err := core.init(C.GoString(request)); err != nil {
		return C.CString(errorJSON(err))
	}
	return C.CString(`{"status":"ok"}`)
}

//export Cleanup
func Cleanup() {
	core.close()
}

//export ScanProduct
func ScanProduct(request *C.char) *C.char {
	return C.CString(resultJSON(core.scan(context.Background(), C.GoString(request))))
}

//export ScanGet
func ScanGet(id *C.char) *C.char {
	return C.CString(resultJSON(core.getScan(context.Background(), C.GoString(id))))
}

//export ProfileSave
func ProfileSave(profile *C.char) *C.char {
	return C.CString(resultJSON(core.saveProfile(context.Background(), C.GoString(profile))))
}

//export Reconcile
func Reconcile(request *C.char) *C.char {
	return C.CString(resultJSON(core.reconcileRecords(C.GoString(request))))
}

//export ConflictList
func ConflictList() *C.char {
	return C.CString(resultJSON(core.listConflicts(context.Background())))
}

//export ConflictAcknowledge
func ConflictAcknowledge(ref *C.char) *C.char {
	return C.CString(resultJSON(core.acknowledge(context.Background(), C.GoString(ref))))
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}
