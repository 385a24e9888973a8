package provisioning

import "context"

// NoopKey is the module for services that only exist on invoices, with
// nothing to provision remotely.
const NoopKey = "none"

type noopModule struct{}

func (noopModule) Key() string { return NoopKey }

func (noopModule) Activate(context.Context, ServiceRef) error  { return nil }
func (noopModule) Suspend(context.Context, ServiceRef) error   { return nil }
func (noopModule) Unsuspend(context.Context, ServiceRef) error { return nil }
func (noopModule) Cancel(context.Context, ServiceRef) error    { return nil }
