// Package collaborator defines the contract with the external processes
// that do the actual scientific computation (conversion, calibration
// solving/application, imaging, mosaicking).
package collaborator

import (
	"context"

	"github.com/dsa110/contimg/internal/model"
)

// Collaborator runs one pipeline stage out of process.
//
// Transport-level failures (crash, timeout, unreadable output) are returned
// as plain errors and are always retryable. A collaborator that ran but
// reports a permanent failure returns an error wrapping model.ErrPermanent.
type Collaborator interface {
	Run(ctx context.Context, req model.StageRequest) (*model.StageResult, error)
}
