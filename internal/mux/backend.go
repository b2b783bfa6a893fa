package mux

import "context"

// Backend is the contract every terminal backend implements. Operations
// return a Result envelope and never panic across this boundary; transient
// internal faults surface as failed results with the taxonomy in errors.go.
//
// Implementations are safe for concurrent use.
type Backend interface {
	// Type is the registered backend type string, e.g. "pipemux".
	Type() string

	Initialize(ctx context.Context, cfg Config) Result[Unit]
	Initialized() bool
	ReloadConfig(ctx context.Context, cfg Config) Result[Unit]

	Health() Health
	PerformHealthCheck(ctx context.Context) Result[Health]
	TestConnectivity(ctx context.Context) Result[*ConnectivityReport]

	CreateSession(ctx context.Context, name string, ec ExecutionContext) Result[*Session]
	DestroySession(ctx context.Context, id string, ec ExecutionContext) Result[Unit]
	GetSession(ctx context.Context, id string, ec ExecutionContext) Result[*Session]
	ListSessions(ctx context.Context, ec ExecutionContext) Result[[]*Session]
	ListWindows(ctx context.Context, sessionID string, ec ExecutionContext) Result[[]*Window]
	ListPanes(ctx context.Context, sessionID, windowID string, ec ExecutionContext) Result[[]*Pane]

	ExecuteCommand(ctx context.Context, target Target, command string, ec ExecutionContext) Result[*CommandExecution]
	ExecuteBatch(ctx context.Context, target Target, commands []string, ec ExecutionContext) Result[[]*CommandExecution]

	CaptureOutput(ctx context.Context, target Target, lines int, ec ExecutionContext) Result[string]
	StartContinuousCapture(ctx context.Context, target Target, fn CaptureFunc) Result[string]
	StopContinuousCapture(captureID string) Result[Unit]

	Extension(ctx context.Context, op ExtensionOp, ec ExecutionContext) Result[any]

	Capabilities() Capabilities
	Shutdown(ctx context.Context) Result[Unit]
}
