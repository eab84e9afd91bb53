// Package record fetches the patient's clinical context. A session takes one
// immutable snapshot of the record; re-fetching means opening a new session.
package record

import (
	"context"
	"errors"

	"github.com/medigraph/clinagent/types"
)

// ErrNotFound reports an unknown patient identifier. It is fatal for the
// session that requested it.
var ErrNotFound = errors.New("record: patient not found")

type Service interface {
	Fetch(ctx context.Context, patientID string) (types.PatientBundle, error)
}
