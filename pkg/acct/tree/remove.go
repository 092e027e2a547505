package tree

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/slurm-tools/slacctdb/internal/structset"
	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

// RemovedSet reports the outcome of a removal: ids that were physically
// deleted with their slots reclaimed and ids that were soft deleted
// because job history still references them.
type RemovedSet struct {
	HardDeleted []int64 `json:"hard_deleted,omitempty"`
	SoftDeleted []int64 `json:"soft_deleted,omitempty"`
}

// RemoveAssociations removes associations from a cluster tree. With
// cascade set the whole subtree of each id is removed. The call fails with
// JobsRunningError when any targeted association still has running jobs.
// Associations without any job history are physically deleted and the
// tree compacted; those with history are soft deleted so historical
// job joins keep working, and their slot is not reclaimed.
func (e *Engine) RemoveAssociations(ctx context.Context, txn *store.Txn, cluster string, ids []int64, cascade bool) (*RemovedSet, error) {
	if err := e.checkCluster(cluster); err != nil {
		return nil, err
	}

	unlock := e.lockCluster(cluster)
	defer unlock()

	// Expand the target set
	targets := make(map[int64]models.Association)

	for _, id := range ids {
		node, err := nodeByID(ctx, txn, cluster, id)
		if err != nil {
			return nil, err
		}

		if node.Acct == store.RootAcct && node.User == "" {
			return nil, fmt.Errorf("%w: cannot remove the root association", ErrHasChildren)
		}

		if !cascade {
			if node.Rgt-node.Lft > 1 {
				return nil, fmt.Errorf("%w: %s", ErrHasChildren, assocObject(cluster, node.Acct, node.User, node.Partition))
			}

			targets[node.ID] = *node

			continue
		}

		subtree, err := e.Subtree(ctx, txn, cluster, id)
		if err != nil {
			return nil, err
		}

		for _, n := range subtree {
			targets[n.ID] = n
		}
	}

	targetIDs := make([]int64, 0, len(targets))
	for id := range targets {
		targetIDs = append(targetIDs, id)
	}

	// Precondition: no running jobs on any targeted association
	running, err := runningJobs(ctx, txn, targetIDs)
	if err != nil {
		return nil, err
	}

	if len(running) > 0 {
		return nil, &JobsRunningError{Jobs: running}
	}

	// Process children before parents so hard deletes always remove
	// leaves and gap closes stay consistent
	nodes := make([]models.Association, 0, len(targets))
	for _, n := range targets {
		nodes = append(nodes, n)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Lft > nodes[j].Lft })

	removed := &RemovedSet{}

	for _, n := range nodes {
		// Re-read, earlier hard deletes shifted the intervals
		node, err := nodeByID(ctx, txn, cluster, n.ID)
		if err != nil {
			return nil, err
		}

		hasHistory, err := hasJobHistory(ctx, txn, node.ID)
		if err != nil {
			return nil, err
		}

		if !hasHistory && node.Rgt-node.Lft == 1 {
			if err := hardDelete(ctx, txn, cluster, node); err != nil {
				return nil, err
			}

			removed.HardDeleted = append(removed.HardDeleted, node.ID)
		} else {
			if err := softDelete(ctx, txn, node); err != nil {
				return nil, err
			}

			removed.SoftDeleted = append(removed.SoftDeleted, node.ID)
		}

		txn.Log(
			"remove_assoc",
			assocObject(cluster, node.Acct, node.User, node.Partition),
			"",
			cluster,
		)
		txn.AddUpdate(models.UpdateObject{
			Kind:    models.UpdateRemove,
			Entity:  models.EntityAssoc,
			ID:      node.ID,
			Cluster: cluster,
		})
	}

	// Preserve historical reporting: usage buckets of removed
	// associations are marked deleted, never dropped
	for _, table := range []string{"usage_hour", "usage_day", "usage_month"} {
		for _, id := range targetIDs {
			if _, err := txn.Exec(
				ctx,
				fmt.Sprintf("UPDATE %s SET deleted = 1 WHERE scope = ? AND scope_id = ?", table),
				models.ScopeAssoc, id,
			); err != nil {
				return nil, err
			}
		}
	}

	return removed, nil
}

// runningJobs returns raw job records without an end time referencing any
// of the given associations.
func runningJobs(ctx context.Context, txn *store.Txn, assocIDs []int64) ([]models.Job, error) {
	if len(assocIDs) == 0 {
		return nil, nil
	}

	query, args := inClause(
		"SELECT "+jobCols+" FROM jobs WHERE time_end = 0 AND deleted = 0 AND id_assoc IN ",
		assocIDs,
	)

	rows, err := txn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	indexes := structset.CachedFieldIndexes(reflect.TypeOf(models.Job{}))

	var jobs []models.Job

	for rows.Next() {
		var j models.Job
		if err := structset.ScanRow(rows, columns, indexes, &j); err != nil {
			return nil, err
		}

		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

func hasJobHistory(ctx context.Context, txn *store.Txn, assocID int64) (bool, error) {
	var exists int64
	if err := txn.QueryRow(
		ctx, "SELECT EXISTS (SELECT 1 FROM jobs WHERE id_assoc = ?)", assocID,
	).Scan(&exists); err != nil {
		return false, err
	}

	return exists == 1, nil
}

// hardDelete removes a leaf row and compacts the tree by the freed width.
func hardDelete(ctx context.Context, txn *store.Txn, cluster string, node *models.Association) error {
	if _, err := txn.Exec(ctx, "DELETE FROM assoc WHERE id = ?", node.ID); err != nil {
		return err
	}

	if _, err := txn.Exec(
		ctx,
		"UPDATE assoc SET lft = lft - 2 WHERE cluster = ? AND lft > ?",
		cluster, node.Lft,
	); err != nil {
		return err
	}

	if _, err := txn.Exec(
		ctx,
		"UPDATE assoc SET rgt = rgt - 2 WHERE cluster = ? AND rgt > ?",
		cluster, node.Rgt,
	); err != nil {
		return err
	}

	return nil
}

// softDelete flags the row deleted and clears its limits. The lft/rgt slot
// is kept so historical job joins keep working.
func softDelete(ctx context.Context, txn *store.Txn, node *models.Association) error {
	_, err := txn.Exec(
		ctx,
		`UPDATE assoc SET deleted = 1, shares = 1,
			max_jobs = -1, max_submit_jobs = -1, max_cpus_pj = -1, max_nodes_pj = -1,
			max_wall_pj = -1, max_cpu_mins_pj = -1, max_cpu_run_mins = -1,
			grp_jobs = -1, grp_submit_jobs = -1, grp_cpus = -1, grp_nodes = -1,
			grp_wall = -1, grp_cpu_mins = -1, qos = '[]', delta_qos = '[]'
			WHERE id = ?`,
		node.ID,
	)

	return err
}

// inClause appends an IN (...) parameter list to a query prefix.
func inClause[T any](prefix string, vals []T) (string, []any) {
	args := make([]any, len(vals))
	placeholders := make([]byte, 0, 2*len(vals)+1)
	placeholders = append(placeholders, '(')

	for i, v := range vals {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}

		placeholders = append(placeholders, '?')
		args[i] = v
	}

	placeholders = append(placeholders, ')')

	return prefix + string(placeholders), args
}
