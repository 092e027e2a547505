package tree

import (
	"errors"
	"fmt"
	"strings"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
)

// Tree engine error kinds.
var (
	// ErrInvalidParent is returned when the requested parent account does
	// not exist in the cluster tree.
	ErrInvalidParent = errors.New("invalid parent account")

	// ErrSameOrChildParent is returned when a subtree move targets a parent
	// inside the subtree being moved.
	ErrSameOrChildParent = errors.New("new parent is the account itself or one of its children")

	// ErrBadAcctName is returned when an account name contains the path
	// separator character.
	ErrBadAcctName = errors.New("account name may not contain '.'")

	// ErrAssocNotFound is returned when an association id or tuple does not
	// exist in the cluster tree.
	ErrAssocNotFound = errors.New("association not found")

	// ErrAssocDeleted is returned when an operation targets a soft-deleted
	// association that does not permit it, such as a move.
	ErrAssocDeleted = errors.New("association is deleted")

	// ErrHasChildren is returned when a non-cascading remove targets an
	// association that still has live sub-associations.
	ErrHasChildren = errors.New("association has sub-associations")
)

// JobsRunningError reports the jobs that block an association removal.
type JobsRunningError struct {
	Jobs []models.Job
}

func (e *JobsRunningError) Error() string {
	ids := make([]string, len(e.Jobs))
	for i, job := range e.Jobs {
		ids[i] = fmt.Sprintf("%d", job.JobID)
	}

	return fmt.Sprintf("jobs still running on association: %s", strings.Join(ids, ","))
}
