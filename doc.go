// Package dynmesh is a dynamic, partitioned triangle-mesh store whose
// patches are processed by independent blocks of cooperating workers.
//
// # Overview
//
// A mesh is split into patches. Each patch owns a subset of the mesh's
// vertices, edges and faces and keeps read-only ribbon copies of the
// neighbors its own elements point at. Every patch is processed by exactly
// one block at a time, and a block only ever writes the patch it holds, so
// kernels need no locks.
//
// # Quick Start
//
//	// inputs is one PatchInput per patch of a pre-partitioned mesh.
//	m, err := dynmesh.New(inputs, dynmesh.WithMaxPatches(256))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	box, _ := m.PrepareLaunchBox(nil, true, false)
//	for !m.IsQueueEmpty() {
//	    _ = m.Launch(ctx, box, myKernel)
//	}
//	m.SlicePatches(256)
//	m.Cleanup()
//	if !m.Validate() {
//	    log.Fatal("mesh inconsistent")
//	}
//
// # Kernels
//
// A Kernel receives a Workspace: the patch hydrated into a per-block
// scratch arena sized by PrepareLaunchBox. Kernels read topology, fan work
// out with Workspace.Parallel, and edit through the insert, delete and
// cavity primitives. Edits reach the persistent patch only when the kernel
// returns nil. A kernel that returns ErrRetry has its edits discarded and
// its patch requeued for the next launch.
//
// # Growth
//
// Patches grow by insertion up to a fixed per-type capacity. SlicePatches
// bisects overgrown patches, moving half of their elements to a new patch,
// and Cleanup repairs lookup entries and compacts patches afterwards.
//
// # Failures
//
// Running out of patch ids, a full neighbor stash, or an arena overflow are
// provisioning bugs. They panic with a *Violation rather than returning an
// error. Configuration problems are returned as errors.
//
// # Logging
//
// dynmesh is silent by default. See SetLogger.
package dynmesh
