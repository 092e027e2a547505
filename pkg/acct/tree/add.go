package tree

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slurm-tools/slacctdb/pkg/acct/models"
	"github.com/slurm-tools/slacctdb/pkg/acct/store"
)

// AddRequest describes one association to create. Account is required. When
// User is set the association hangs directly off the account node and
// ParentAcct must be empty; otherwise ParentAcct defaults to "root".
type AddRequest struct {
	Acct       string
	User       string
	Partition  string
	ParentAcct string
	Shares     int64
	Limits     models.ResourceLimits
	QOS        models.List
}

// parentKey identifies the node a request is inserted under.
func (r AddRequest) parentKey() string {
	if r.User != "" {
		return r.Acct
	}

	if r.ParentAcct == "" {
		return store.RootAcct
	}

	return r.ParentAcct
}

// AddAssociations inserts a batch of associations into a cluster tree as
// rightmost children of their parents. Requests whose tuple already exists
// are idempotent no-ops; soft-deleted tuples are resurrected under their
// historical id. Same-parent insertions are coalesced into a single shift.
func (e *Engine) AddAssociations(ctx context.Context, txn *store.Txn, cluster string, reqs []AddRequest) ([]int64, error) {
	if err := e.checkCluster(cluster); err != nil {
		return nil, err
	}

	unlock := e.lockCluster(cluster)
	defer unlock()

	ids := make([]int64, 0, len(reqs))

	var pending []AddRequest

	for _, req := range reqs {
		if strings.Contains(req.Acct, ".") {
			return nil, fmt.Errorf("%w: %q", ErrBadAcctName, req.Acct)
		}

		if req.User != "" && req.ParentAcct != "" {
			return nil, fmt.Errorf("%w: user associations hang off their account node", ErrInvalidParent)
		}

		existing, err := nodeByTuple(ctx, txn, cluster, req.Acct, req.User, req.Partition)
		if err != nil && !errors.Is(err, ErrAssocNotFound) {
			return nil, err
		}

		if existing != nil {
			switch existing.Deleted {
			case models.AssocActive:
				// Idempotent add
				ids = append(ids, existing.ID)
			case models.AssocSoftDeleted:
				if err := e.resurrect(ctx, txn, cluster, existing, req); err != nil {
					return nil, err
				}

				ids = append(ids, existing.ID)
			default:
				return nil, fmt.Errorf("%w: association %d is being moved", ErrAssocDeleted, existing.ID)
			}

			continue
		}

		pending = append(pending, req)
	}

	// Insert in waves so an account created in this batch can parent user
	// associations of the same batch.
	for len(pending) > 0 {
		byParent := make(map[string][]AddRequest)
		order := make([]string, 0)

		var stuck []AddRequest

		for _, req := range pending {
			parent := req.parentKey()

			node, err := nodeByTuple(ctx, txn, cluster, parent, "", "")
			if err != nil && !errors.Is(err, ErrAssocNotFound) {
				return nil, err
			}

			if node == nil || node.Deleted != models.AssocActive {
				stuck = append(stuck, req)

				continue
			}

			if _, ok := byParent[parent]; !ok {
				order = append(order, parent)
			}

			byParent[parent] = append(byParent[parent], req)
		}

		if len(byParent) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidParent, stuck[0].parentKey())
		}

		for _, parent := range order {
			group := byParent[parent]

			groupIDs, err := e.insertChildren(ctx, txn, cluster, parent, group)
			if err != nil {
				return nil, err
			}

			ids = append(ids, groupIDs...)
		}

		pending = stuck
	}

	return ids, nil
}

// insertChildren makes space for a whole same-parent group with one shift
// and inserts the new leaves as rightmost children.
func (e *Engine) insertChildren(ctx context.Context, txn *store.Txn, cluster, parentAcct string, group []AddRequest) ([]int64, error) {
	parent, err := nodeByTuple(ctx, txn, cluster, parentAcct, "", "")
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidParent, parentAcct)
	}

	width := int64(2 * len(group))

	// Coalesced makeSpace: one shift opens slots for the whole group at
	// the parent's rgt
	if _, err := txn.Exec(
		ctx,
		"UPDATE assoc SET rgt = rgt + ? WHERE cluster = ? AND rgt >= ? AND deleted != ?",
		width, cluster, parent.Rgt, models.AssocMoving,
	); err != nil {
		return nil, err
	}

	if _, err := txn.Exec(
		ctx,
		"UPDATE assoc SET lft = lft + ? WHERE cluster = ? AND lft > ? AND deleted != ?",
		width, cluster, parent.Rgt, models.AssocMoving,
	); err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(group))

	for i, req := range group {
		lft := parent.Rgt + int64(2*i)
		rgt := lft + 1

		shares := req.Shares
		if shares == 0 {
			shares = 1
		}

		res, err := txn.Exec(
			ctx,
			`INSERT INTO assoc (cluster,acct,"user","partition",parent_acct,lft,rgt,shares,
				max_jobs,max_submit_jobs,max_cpus_pj,max_nodes_pj,max_wall_pj,max_cpu_mins_pj,max_cpu_run_mins,
				grp_jobs,grp_submit_jobs,grp_cpus,grp_nodes,grp_wall,grp_cpu_mins,qos)
				VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			cluster, req.Acct, req.User, req.Partition, parentAcct, lft, rgt, shares,
			limitOrNoVal(req.Limits.MaxJobs), limitOrNoVal(req.Limits.MaxSubmitJobs),
			limitOrNoVal(req.Limits.MaxCPUsPJ), limitOrNoVal(req.Limits.MaxNodesPJ),
			limitOrNoVal(req.Limits.MaxWallPJ), limitOrNoVal(req.Limits.MaxCPUMinsPJ),
			limitOrNoVal(req.Limits.MaxCPURunMins),
			limitOrNoVal(req.Limits.GrpJobs), limitOrNoVal(req.Limits.GrpSubmitJobs),
			limitOrNoVal(req.Limits.GrpCPUs), limitOrNoVal(req.Limits.GrpNodes),
			limitOrNoVal(req.Limits.GrpWall), limitOrNoVal(req.Limits.GrpCPUMins),
			req.QOS,
		)
		if err != nil {
			return nil, err
		}

		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}

		ids = append(ids, id)

		txn.Log(
			"add_assoc",
			assocObject(cluster, req.Acct, req.User, req.Partition),
			fmt.Sprintf("parent=%s", parentAcct),
			cluster,
		)
		txn.AddUpdate(models.UpdateObject{
			Kind:    models.UpdateAdd,
			Entity:  models.EntityAssoc,
			ID:      id,
			Cluster: cluster,
		})
	}

	return ids, nil
}

// resurrect clears the deleted flag of a soft-deleted association and
// overwrites its limits, preserving its historical id and tree slot.
func (e *Engine) resurrect(ctx context.Context, txn *store.Txn, cluster string, node *models.Association, req AddRequest) error {
	shares := req.Shares
	if shares == 0 {
		shares = 1
	}

	if _, err := txn.Exec(
		ctx,
		`UPDATE assoc SET deleted = 0, shares = ?,
			max_jobs = ?, max_submit_jobs = ?, max_cpus_pj = ?, max_nodes_pj = ?,
			max_wall_pj = ?, max_cpu_mins_pj = ?, max_cpu_run_mins = ?,
			grp_jobs = ?, grp_submit_jobs = ?, grp_cpus = ?, grp_nodes = ?,
			grp_wall = ?, grp_cpu_mins = ?, qos = ?
			WHERE id = ?`,
		shares,
		limitOrNoVal(req.Limits.MaxJobs), limitOrNoVal(req.Limits.MaxSubmitJobs),
		limitOrNoVal(req.Limits.MaxCPUsPJ), limitOrNoVal(req.Limits.MaxNodesPJ),
		limitOrNoVal(req.Limits.MaxWallPJ), limitOrNoVal(req.Limits.MaxCPUMinsPJ),
		limitOrNoVal(req.Limits.MaxCPURunMins),
		limitOrNoVal(req.Limits.GrpJobs), limitOrNoVal(req.Limits.GrpSubmitJobs),
		limitOrNoVal(req.Limits.GrpCPUs), limitOrNoVal(req.Limits.GrpNodes),
		limitOrNoVal(req.Limits.GrpWall), limitOrNoVal(req.Limits.GrpCPUMins),
		req.QOS, node.ID,
	); err != nil {
		return err
	}

	txn.Log(
		"resurrect_assoc",
		assocObject(cluster, node.Acct, node.User, node.Partition),
		"",
		cluster,
	)
	txn.AddUpdate(models.UpdateObject{
		Kind:    models.UpdateAdd,
		Entity:  models.EntityAssoc,
		ID:      node.ID,
		Cluster: cluster,
	})

	return nil
}

// limitOrNoVal maps a zero request limit to the unset sentinel.
func limitOrNoVal(v int64) int64 {
	if v == 0 {
		return models.NoVal
	}

	return v
}

func assocObject(cluster, acct, user, partition string) string {
	obj := cluster + "/" + acct
	if user != "" {
		obj += "/" + user
	}

	if partition != "" {
		obj += "@" + partition
	}

	return obj
}
