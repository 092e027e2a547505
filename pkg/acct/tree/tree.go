// Package tree implements the association tree engine. Each cluster owns a
// nested-set tree with one node per (acct, user, partition) tuple; ancestor
// and descendant queries are lft/rgt range containment checks. Mutations
// hold an exclusive per-cluster lock for the duration of the lft/rgt
// shifts because concurrent inserts into overlapping ranges corrupt the
// intervals irrecoverably.
package tree

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"

	"github.com/slurm-tools/slacctdb/internal/structset"
	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

// Column lists used when scanning full rows.
var (
	assocCols = strings.Join(models.Association{}.TagNames("sql"), ",")
	jobCols   = strings.Join(models.Job{}.TagNames("sql"), ",")
)

// Engine owns the per-cluster tree locks. All mutating operations run
// inside a caller-provided store transaction.
type Engine struct {
	logger *slog.Logger
	store  *store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns a new tree engine on top of a store.
func New(s *store.Store, logger *slog.Logger) *Engine {
	return &Engine{
		logger: logger,
		store:  s,
		locks:  make(map[string]*sync.Mutex),
	}
}

// lockCluster acquires the exclusive tree lock of a cluster and returns
// the unlock function. There is no acquisition timeout; a stuck
// transaction blocks later ones.
func (e *Engine) lockCluster(cluster string) func() {
	e.mu.Lock()

	lock, ok := e.locks[cluster]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[cluster] = lock
	}

	e.mu.Unlock()

	lock.Lock()

	return lock.Unlock
}

// checkCluster validates a cluster name against the process-wide cache
// without issuing a query.
func (e *Engine) checkCluster(cluster string) error {
	if !e.store.Clusters().Known(cluster) {
		return fmt.Errorf("%w: %s", store.ErrClusterNotRegistered, cluster)
	}

	return nil
}

// nodeByTuple fetches an association row by its identity tuple, including
// soft-deleted rows.
func nodeByTuple(ctx context.Context, txn *store.Txn, cluster, acct, user, partition string) (*models.Association, error) {
	row := txn.QueryRow(
		ctx,
		fmt.Sprintf(
			`SELECT %s FROM assoc WHERE cluster = ? AND acct = ? AND "user" = ? AND "partition" = ?`,
			assocCols,
		),
		cluster, acct, user, partition,
	)

	return scanAssoc(row)
}

// nodeByID fetches an association row by id.
func nodeByID(ctx context.Context, txn *store.Txn, cluster string, id int64) (*models.Association, error) {
	row := txn.QueryRow(
		ctx,
		fmt.Sprintf("SELECT %s FROM assoc WHERE cluster = ? AND id = ?", assocCols),
		cluster, id,
	)

	return scanAssoc(row)
}

func scanAssoc(row *sql.Row) (*models.Association, error) {
	var a models.Association

	err := row.Scan(
		&a.ID, &a.Cluster, &a.Acct, &a.User, &a.Partition, &a.ParentAcct,
		&a.Lft, &a.Rgt, &a.Shares,
		&a.MaxJobs, &a.MaxSubmitJobs, &a.MaxCPUsPJ, &a.MaxNodesPJ, &a.MaxWallPJ,
		&a.MaxCPUMinsPJ, &a.MaxCPURunMins,
		&a.GrpJobs, &a.GrpSubmitJobs, &a.GrpCPUs, &a.GrpNodes, &a.GrpWall, &a.GrpCPUMins,
		&a.QOS, &a.DeltaQOS, &a.Deleted,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssocNotFound
	} else if err != nil {
		return nil, err
	}

	return &a, nil
}

// scanAssocRows scans association rows via the struct tag indexes.
func scanAssocRows(rows *sql.Rows) ([]models.Association, error) {
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	indexes := structset.CachedFieldIndexes(reflect.TypeOf(models.Association{}))

	var assocs []models.Association

	for rows.Next() {
		var a models.Association
		if err := structset.ScanRow(rows, columns, indexes, &a); err != nil {
			return nil, err
		}

		assocs = append(assocs, a)
	}

	return assocs, rows.Err()
}

// Subtree returns every node of the subtree rooted at ancestorID ordered
// by lft. The ordering is a depth-first pre-order traversal relied upon by
// callers reconstructing hierarchy display. Nodes in the transient moving
// state are never returned.
func (e *Engine) Subtree(ctx context.Context, txn *store.Txn, cluster string, ancestorID int64) ([]models.Association, error) {
	if err := e.checkCluster(cluster); err != nil {
		return nil, err
	}

	anc, err := nodeByID(ctx, txn, cluster, ancestorID)
	if err != nil {
		return nil, err
	}

	rows, err := txn.Query(
		ctx,
		fmt.Sprintf(
			"SELECT %s FROM assoc WHERE cluster = ? AND lft BETWEEN ? AND ? AND deleted != ? ORDER BY lft",
			assocCols,
		),
		cluster, anc.Lft, anc.Rgt, models.AssocMoving,
	)
	if err != nil {
		return nil, err
	}

	return scanAssocRows(rows)
}

// Verify checks the nested-set invariants of a cluster tree: a single
// root whose rgt is twice the live node count, odd widths and strict
// containment or disjointness for every node pair.
func (e *Engine) Verify(ctx context.Context, txn *store.Txn, cluster string) error {
	rows, err := txn.Query(
		ctx,
		"SELECT id, lft, rgt FROM assoc WHERE cluster = ? ORDER BY lft",
		cluster,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	type span struct {
		id       int64
		lft, rgt int64
	}

	var nodes []span

	for rows.Next() {
		var n span
		if err := rows.Scan(&n.id, &n.lft, &n.rgt); err != nil {
			return err
		}

		nodes = append(nodes, n)
	}

	if err := rows.Err(); err != nil {
		return err
	}

	if len(nodes) == 0 {
		return nil
	}

	if nodes[0].lft != 1 {
		return fmt.Errorf("root lft is %d, want 1", nodes[0].lft)
	}

	if nodes[0].rgt != int64(2*len(nodes)) {
		return fmt.Errorf("root rgt is %d, want %d for %d nodes", nodes[0].rgt, 2*len(nodes), len(nodes))
	}

	for _, n := range nodes {
		width := n.rgt - n.lft
		if width < 1 || width%2 == 0 {
			return fmt.Errorf("assoc %d has invalid width [%d,%d]", n.id, n.lft, n.rgt)
		}
	}

	for i, a := range nodes {
		for _, b := range nodes[i+1:] {
			// b.lft > a.lft due to ordering: b must be inside a or fully right of a
			if b.lft < a.rgt && b.rgt > a.rgt {
				return fmt.Errorf("assoc %d [%d,%d] overlaps assoc %d [%d,%d]",
					a.id, a.lft, a.rgt, b.id, b.lft, b.rgt)
			}
		}
	}

	return nil
}
