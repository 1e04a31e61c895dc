package transport

import (
	"context"

	"github.com/cuemby/awcp/pkg/protocol"
)

// The mount, storage, and branch transports are structural adapters only:
// the concrete back-end tooling for each (an SSHFS-style mount subprocess,
// a cloud storage provider's URL signer, a VCS branch manager) is an
// external collaborator out of scope for this repository. Prepare/Setup
// return DEPENDENCY_MISSING so the delegator surfaces a clean ERROR rather
// than hanging on an unimplemented back end; the dispatch-by-discriminator
// path and capability struct are exercised fully by these stubs.

// MountDelegator is the delegator-side stub for the mount transport.
type MountDelegator struct{}

func (MountDelegator) Kind() protocol.TransportKind { return protocol.TransportMount }
func (MountDelegator) Capabilities() Capabilities {
	return Capabilities{LiveSync: true, SupportsSnapshots: false, Chunked: false}
}
func (MountDelegator) Prepare(ctx context.Context, params PrepareParams) (protocol.TransportHandleEnvelope, error) {
	return protocol.TransportHandleEnvelope{}, protocol.NewError(protocol.ErrDependencyMissing, "mount transport requires an SSHFS-style mount helper not bundled with this daemon", "")
}
func (MountDelegator) ApplySnapshot(ctx context.Context, delegationID string, snapshotBytes []byte, resources []Resource) error {
	return protocol.NewError(protocol.ErrDependencyMissing, "mount transport has liveSync=true and never emits snapshots", "")
}
func (MountDelegator) Release(ctx context.Context, delegationID string) error { return nil }

// MountExecutor is the executor-side stub for the mount transport.
type MountExecutor struct{}

func (MountExecutor) Kind() protocol.TransportKind { return protocol.TransportMount }
func (MountExecutor) Capabilities() Capabilities {
	return Capabilities{LiveSync: true, SupportsSnapshots: false, Chunked: false}
}
func (MountExecutor) Setup(ctx context.Context, delegationID string, handle protocol.TransportHandleEnvelope, workPath string) (string, error) {
	return "", protocol.NewError(protocol.ErrDependencyMissing, "mount transport requires an SSHFS-style mount helper not bundled with this daemon", "")
}
func (MountExecutor) CaptureSnapshot(ctx context.Context, delegationID string, workPath string) (string, error) {
	return "", nil
}
func (MountExecutor) Release(ctx context.Context, delegationID string, workPath string) error {
	return nil
}

// StorageDelegator is the delegator-side stub for the storage transport.
type StorageDelegator struct{}

func (StorageDelegator) Kind() protocol.TransportKind { return protocol.TransportStorage }
func (StorageDelegator) Capabilities() Capabilities {
	return Capabilities{LiveSync: false, SupportsSnapshots: true, Chunked: false}
}
func (StorageDelegator) Prepare(ctx context.Context, params PrepareParams) (protocol.TransportHandleEnvelope, error) {
	return protocol.TransportHandleEnvelope{}, protocol.NewError(protocol.ErrDependencyMissing, "storage transport requires a configured object storage provider", "")
}
func (StorageDelegator) ApplySnapshot(ctx context.Context, delegationID string, snapshotBytes []byte, resources []Resource) error {
	return protocol.NewError(protocol.ErrDependencyMissing, "storage transport requires a configured object storage provider", "")
}
func (StorageDelegator) Release(ctx context.Context, delegationID string) error { return nil }

// StorageExecutor is the executor-side stub for the storage transport.
type StorageExecutor struct{}

func (StorageExecutor) Kind() protocol.TransportKind { return protocol.TransportStorage }
func (StorageExecutor) Capabilities() Capabilities {
	return Capabilities{LiveSync: false, SupportsSnapshots: true, Chunked: false}
}
func (StorageExecutor) Setup(ctx context.Context, delegationID string, handle protocol.TransportHandleEnvelope, workPath string) (string, error) {
	return "", protocol.NewError(protocol.ErrDependencyMissing, "storage transport requires a configured object storage provider", "")
}
func (StorageExecutor) CaptureSnapshot(ctx context.Context, delegationID string, workPath string) (string, error) {
	return "", nil
}
func (StorageExecutor) Release(ctx context.Context, delegationID string, workPath string) error {
	return nil
}

// BranchDelegator is the delegator-side stub for the branch (VCS) transport.
type BranchDelegator struct{}

func (BranchDelegator) Kind() protocol.TransportKind { return protocol.TransportBranch }
func (BranchDelegator) Capabilities() Capabilities {
	return Capabilities{LiveSync: false, SupportsSnapshots: true, Chunked: false}
}
func (BranchDelegator) Prepare(ctx context.Context, params PrepareParams) (protocol.TransportHandleEnvelope, error) {
	return protocol.TransportHandleEnvelope{}, protocol.NewError(protocol.ErrDependencyMissing, "branch transport requires a configured VCS remote and credentials", "")
}
func (BranchDelegator) ApplySnapshot(ctx context.Context, delegationID string, snapshotBytes []byte, resources []Resource) error {
	return protocol.NewError(protocol.ErrDependencyMissing, "branch transport requires a configured VCS remote and credentials", "")
}
func (BranchDelegator) Release(ctx context.Context, delegationID string) error { return nil }

// BranchExecutor is the executor-side stub for the branch (VCS) transport.
type BranchExecutor struct{}

func (BranchExecutor) Kind() protocol.TransportKind { return protocol.TransportBranch }
func (BranchExecutor) Capabilities() Capabilities {
	return Capabilities{LiveSync: false, SupportsSnapshots: true, Chunked: false}
}
func (BranchExecutor) Setup(ctx context.Context, delegationID string, handle protocol.TransportHandleEnvelope, workPath string) (string, error) {
	return "", protocol.NewError(protocol.ErrDependencyMissing, "branch transport requires a configured VCS remote and credentials", "")
}
func (BranchExecutor) CaptureSnapshot(ctx context.Context, delegationID string, workPath string) (string, error) {
	return "", nil
}
func (BranchExecutor) Release(ctx context.Context, delegationID string, workPath string) error {
	return nil
}
