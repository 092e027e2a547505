package tree

import (
	"context"
	"fmt"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

// MoveRequest describes one account subtree relocation.
type MoveRequest struct {
	Acct          string
	NewParentAcct string
}

// MoveSubtree moves the subtree rooted at an account node to hang off a
// different parent. Moving under the current parent is a successful no-op;
// moving under a descendant of the subtree is rejected. While in flight
// the subtree carries the moving sentinel and is relabeled outside the
// live lft/rgt range so concurrent range queries never observe a
// transient inconsistent tree.
func (e *Engine) MoveSubtree(ctx context.Context, txn *store.Txn, cluster, acct, newParentAcct string) error {
	if err := e.checkCluster(cluster); err != nil {
		return err
	}

	unlock := e.lockCluster(cluster)
	defer unlock()

	return e.moveLocked(ctx, txn, cluster, acct, newParentAcct)
}

// MoveSubtrees relocates a batch of account subtrees. When the new parent
// of a move is itself being relocated in the same batch the parent chain
// is followed and moved first, deepest target leading; the recursion is
// bounded by the batch size. A dependency cycle inside the batch falls
// back to the listed order at the point the cycle closes.
func (e *Engine) MoveSubtrees(ctx context.Context, txn *store.Txn, cluster string, moves []MoveRequest) error {
	if err := e.checkCluster(cluster); err != nil {
		return err
	}

	unlock := e.lockCluster(cluster)
	defer unlock()

	pending := make(map[string]MoveRequest, len(moves))
	for _, m := range moves {
		pending[m.Acct] = m
	}

	var resolve func(m MoveRequest, visiting map[string]bool) error

	resolve = func(m MoveRequest, visiting map[string]bool) error {
		visiting[m.Acct] = true

		// Move the relocating target parent first, following the chain
		if other, ok := pending[m.NewParentAcct]; ok && !visiting[other.Acct] {
			delete(pending, other.Acct)

			if err := resolve(other, visiting); err != nil {
				return err
			}
		}

		return e.moveLocked(ctx, txn, cluster, m.Acct, m.NewParentAcct)
	}

	for _, m := range moves {
		if _, ok := pending[m.Acct]; !ok {
			continue // already done as the parent of an earlier move
		}

		delete(pending, m.Acct)

		if err := resolve(m, map[string]bool{}); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) moveLocked(ctx context.Context, txn *store.Txn, cluster, acct, newParentAcct string) error {
	if acct == store.RootAcct {
		return fmt.Errorf("%w: cannot move the root account", ErrSameOrChildParent)
	}

	node, err := nodeByTuple(ctx, txn, cluster, acct, "", "")
	if err != nil {
		return err
	}

	if node.Deleted != models.AssocActive {
		return fmt.Errorf("%w: %s", ErrAssocDeleted, acct)
	}

	newParent, err := nodeByTuple(ctx, txn, cluster, newParentAcct, "", "")
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidParent, newParentAcct)
	}

	if newParent.Deleted != models.AssocActive {
		return fmt.Errorf("%w: %q", ErrInvalidParent, newParentAcct)
	}

	// Degenerate move, treated as success with zero changes
	if node.ParentAcct == newParentAcct {
		return nil
	}

	if newParent.Lft >= node.Lft && newParent.Rgt <= node.Rgt {
		return fmt.Errorf("%w: %q is inside %q", ErrSameOrChildParent, newParentAcct, acct)
	}

	width := node.Rgt - node.Lft + 1

	// Remember soft-deleted descendants so their flag survives the
	// sentinel round trip
	rows, err := txn.Query(
		ctx,
		"SELECT id FROM assoc WHERE cluster = ? AND lft BETWEEN ? AND ? AND deleted = ?",
		cluster, node.Lft, node.Rgt, models.AssocSoftDeleted,
	)
	if err != nil {
		return err
	}

	var softDeleted []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()

			return err
		}

		softDeleted = append(softDeleted, id)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return err
	}

	var maxRgt int64
	if err := txn.QueryRow(
		ctx, "SELECT MAX(rgt) FROM assoc WHERE cluster = ?", cluster,
	).Scan(&maxRgt); err != nil {
		return err
	}

	// Relabel the subtree outside the live range and mark it in flight
	offset := maxRgt + 1 - node.Lft
	if _, err := txn.Exec(
		ctx,
		"UPDATE assoc SET lft = lft + ?, rgt = rgt + ?, deleted = ? WHERE cluster = ? AND lft BETWEEN ? AND ?",
		offset, offset, models.AssocMoving, cluster, node.Lft, node.Rgt,
	); err != nil {
		return err
	}

	// Close the gap at the old location
	if _, err := txn.Exec(
		ctx,
		"UPDATE assoc SET lft = lft - ? WHERE cluster = ? AND lft > ? AND deleted != ?",
		width, cluster, node.Rgt, models.AssocMoving,
	); err != nil {
		return err
	}

	if _, err := txn.Exec(
		ctx,
		"UPDATE assoc SET rgt = rgt - ? WHERE cluster = ? AND rgt > ? AND deleted != ?",
		width, cluster, node.Rgt, models.AssocMoving,
	); err != nil {
		return err
	}

	// The gap close may have shifted the new parent
	newParent, err = nodeByTuple(ctx, txn, cluster, newParentAcct, "", "")
	if err != nil {
		return err
	}

	gapStart := newParent.Rgt

	// Open a gap at the new location
	if _, err := txn.Exec(
		ctx,
		"UPDATE assoc SET rgt = rgt + ? WHERE cluster = ? AND rgt >= ? AND deleted != ?",
		width, cluster, gapStart, models.AssocMoving,
	); err != nil {
		return err
	}

	if _, err := txn.Exec(
		ctx,
		"UPDATE assoc SET lft = lft + ? WHERE cluster = ? AND lft > ? AND deleted != ?",
		width, cluster, gapStart, models.AssocMoving,
	); err != nil {
		return err
	}

	// Drop the subtree into the gap and clear the sentinel
	delta := gapStart - (node.Lft + offset)
	if _, err := txn.Exec(
		ctx,
		"UPDATE assoc SET lft = lft + ?, rgt = rgt + ?, deleted = ? WHERE cluster = ? AND deleted = ?",
		delta, delta, models.AssocActive, cluster, models.AssocMoving,
	); err != nil {
		return err
	}

	for _, id := range softDeleted {
		if _, err := txn.Exec(
			ctx, "UPDATE assoc SET deleted = ? WHERE id = ?", models.AssocSoftDeleted, id,
		); err != nil {
			return err
		}
	}

	if _, err := txn.Exec(
		ctx, "UPDATE assoc SET parent_acct = ? WHERE id = ?", newParentAcct, node.ID,
	); err != nil {
		return err
	}

	txn.Log(
		"move_assoc",
		assocObject(cluster, acct, "", ""),
		fmt.Sprintf("old_parent=%s new_parent=%s", node.ParentAcct, newParentAcct),
		cluster,
	)
	txn.AddUpdate(models.UpdateObject{
		Kind:    models.UpdateModify,
		Entity:  models.EntityAssoc,
		ID:      node.ID,
		Cluster: cluster,
	})

	return nil
}
