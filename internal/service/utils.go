package service

import (
	"errors"
	"fmt"

	zerrors "github.com/zzenonn/zcrush/internal/errors"
	"github.com/zzenonn/zcrush/internal/metrics"
)

const snapshotSuffix = ".zcrs"

// snapshotKey names the archive object of an epoch. Zero padding keeps
// lexical order equal to epoch order.
func snapshotKey(epoch uint64) string {
	return fmt.Sprintf("epoch-%020d%s", epoch, snapshotSuffix)
}

// errorReason maps a placement error onto a metrics label.
func errorReason(err error) string {
	switch {
	case errors.Is(err, zerrors.ErrUnknownRule):
		return metrics.ReasonUnknownRule
	case errors.Is(err, zerrors.ErrUnknownEpoch):
		return metrics.ReasonUnknownEpoch
	case errors.Is(err, zerrors.ErrRuleTooDeep):
		return metrics.ReasonTooDeep
	default:
		return metrics.ReasonOther
	}
}
