package eclpcontrol

import "errors"

// Sentinel errors matching spec.md §6's enumerated exit codes: invalid
// arguments map to INVAL, unknown module/port to NODEV, allocation failures
// to NOMEM. writeError in http.go maps these (and their wrapped forms) onto HTTP
// status codes.
var (
	ErrInval = errors.New("eclpcontrol: invalid argument")
	ErrNoDev = errors.New("eclpcontrol: unknown module or port")
	ErrNoMem = errors.New("eclpcontrol: allocation failed")
	ErrQStop = errors.New("eclpcontrol: queue stopped")
)
