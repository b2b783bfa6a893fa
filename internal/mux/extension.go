package mux

// ExtensionOp is the closed set of backend-specific operations. Backends
// switch on the concrete type and reject what they do not implement with
// ErrExtensionUnsupported; there is no untyped escape hatch.
type ExtensionOp interface {
	isExtensionOp()
}

// SendKeysOp writes raw key input to a pane without waiting for output.
type SendKeysOp struct {
	Target  Target
	Keys    string
	Literal bool
}

// ResizePaneOp changes the terminal size of a pane.
type ResizePaneOp struct {
	Target Target
	Cols   int
	Rows   int
}

// SplitPaneOp splits a pane, optionally starting a command in the new pane.
type SplitPaneOp struct {
	Target   Target
	Vertical bool
	Command  string
}

// SelectLayoutOp applies a named layout to a window.
type SelectLayoutOp struct {
	SessionID string
	WindowID  string
	Layout    string
}

func (SendKeysOp) isExtensionOp()     {}
func (ResizePaneOp) isExtensionOp()   {}
func (SplitPaneOp) isExtensionOp()    {}
func (SelectLayoutOp) isExtensionOp() {}
