package initiator

import (
	"github.com/ccassar/initiator/internal/iv2_pb"
)

// BackendTarget selects the execution engine flavour a site runs against.
type BackendTarget int

const (
	// NativeEEJNI runs the execution engine in process.
	NativeEEJNI BackendTarget = iota
	// NativeEEIPC runs the execution engine in a separate process, reached over IPC.
	NativeEEIPC
	// NativeEEValgrindIPC is NativeEEIPC with the engine running under valgrind.
	NativeEEValgrindIPC
	// HSQLBackend runs against the reference SQL backend.
	HSQLBackend
)

var backendTargetNames = map[BackendTarget]string{
	NativeEEJNI:         "NativeEEJNI",
	NativeEEIPC:         "NativeEEIPC",
	NativeEEValgrindIPC: "NativeEEValgrindIPC",
	HSQLBackend:         "HSQLBackend",
}

func (b BackendTarget) String() string {
	if name, ok := backendTargetNames[b]; ok {
		return name
	}
	return "Unknown"
}

// isIPC is true for targets where the engine lives in another process.
func (b BackendTarget) isIPC() bool {
	return b == NativeEEIPC || b == NativeEEValgrindIPC
}

// backendForRole returns the target a role actually runs. The multi-partition coordinator never executes user
// fragments against an IPC engine, so it always runs an in process site.
func backendForRole(partition PartitionID, requested BackendTarget) BackendTarget {
	if partition == MultiPartitionID && requested.isIPC() {
		return NativeEEJNI
	}
	return requested
}

// CatalogContext is the catalog snapshot a site executes against.
type CatalogContext struct {
	// Version increases with every catalog update applied to the cluster.
	Version int64
	// Catalog is the serialised catalog.
	Catalog []byte
	// Procedures maps stored procedure names to their implementing classes.
	Procedures map[string]string
}

// ExecutionBackend is the local site which runs transaction fragments once scheduled. The initiator treats it as an
// opaque collaborator. The backend signals completion of a task back through Initiator.CompleteTransaction.
type ExecutionBackend interface {
	// Submit hands a fragment to the site for execution. Called from a single scheduler goroutine per initiator.
	Submit(task *iv2_pb.InitiateTask) error
	// UpdateCatalog applies a catalog diff. It must run to completion before any concurrent catalog read.
	UpdateCatalog(diff string, context *CatalogContext, requiresSnapshotIsolation bool) error
}
