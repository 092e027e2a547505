package query

import (
	"context"
	"fmt"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

// GetQOS returns QOS records matching cond.
func (qr *Querier) GetQOS(ctx context.Context, cond models.QOSCond) ([]models.QOS, error) {
	q := Query{}
	q.query(fmt.Sprintf("SELECT %s FROM qos WHERE 1=1", qosCols))

	if !cond.WithDeleted {
		q.query(" AND deleted = 0")
	}

	if len(cond.Names) > 0 {
		q.query(" AND name IN ")
		q.param(anyStrings(cond.Names))
	}

	if len(cond.IDs) > 0 {
		q.query(" AND id IN ")
		q.param(anyInts(cond.IDs))
	}

	q.query(" ORDER BY name")

	stmt, params := q.get()

	return scanInto[models.QOS](ctx, qr.store.DB(), stmt, params)
}

// SetQOSPreempts replaces the preempt set of a QOS after verifying the new
// set does not close a preemption cycle. The check is a DFS over the
// preempt graph with the candidate edge set already applied.
func (qr *Querier) SetQOSPreempts(ctx context.Context, txn *store.Txn, qosID int64, preempts models.Int64List) error {
	graph, err := preemptGraph(ctx, txn)
	if err != nil {
		return err
	}

	if _, ok := graph[qosID]; !ok {
		return fmt.Errorf("%w: qos %d", store.ErrNoChange, qosID)
	}

	graph[qosID] = preempts

	// Any target reaching back to qosID through the updated graph is a
	// cycle
	for _, target := range preempts {
		if reaches(graph, target, qosID, make(map[int64]bool)) {
			return fmt.Errorf("%w: qos %d already preempts qos %d", ErrPreemptLoop, target, qosID)
		}
	}

	if _, err := txn.Exec(
		ctx, "UPDATE qos SET preempts = ? WHERE id = ?", preempts, qosID,
	); err != nil {
		return err
	}

	txn.Log("modify_qos", fmt.Sprintf("qos/%d", qosID), fmt.Sprintf("preempts=%v", []int64(preempts)), "")
	txn.AddUpdate(models.UpdateObject{
		Kind:   models.UpdateModify,
		Entity: models.EntityQOS,
		ID:     qosID,
	})

	return nil
}

// preemptGraph loads the preempt adjacency of every live QOS.
func preemptGraph(ctx context.Context, txn *store.Txn) (map[int64]models.Int64List, error) {
	rows, err := txn.Query(ctx, "SELECT id, preempts FROM qos WHERE deleted = 0")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	graph := make(map[int64]models.Int64List)

	for rows.Next() {
		var (
			id       int64
			preempts models.Int64List
		)

		if err := rows.Scan(&id, &preempts); err != nil {
			return nil, err
		}

		graph[id] = preempts
	}

	return graph, rows.Err()
}

// reaches reports whether target is reachable from start in the preempt
// graph.
func reaches(graph map[int64]models.Int64List, start, target int64, seen map[int64]bool) bool {
	if start == target {
		return true
	}

	if seen[start] {
		return false
	}

	seen[start] = true

	for _, next := range graph[start] {
		if reaches(graph, next, target, seen) {
			return true
		}
	}

	return false
}
